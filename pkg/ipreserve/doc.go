/*
Package ipreserve implements the IP Reservation Manager (§4.8).

Distributed-training workloads need a master's address before any
worker task starts, so reservations are handed out as self-contained
tokens rather than resolved through a second round trip: Reserve picks
a free address from a runner's overlay subnet and returns
base64(length-prefixed JSON payload || HMAC-SHA256 signature). The
envelope shape is derive-key/prove-possession/fail-closed-on-mismatch,
but swaps confidentiality for integrity, since the scheduler and the
client both need to read the token's contents without holding the
signing secret.

Validate re-derives the signature, rejects an expired payload, and
cross-checks the claimed (ip, runner) pair against the live reservation
table; a correctly-signed token for a reservation that was already
swept is rejected just like a forged one. The live table is entirely
in-memory, guarded by one mutex, and expires lazily (on any
Reserve/Validate) as well as on a periodic sweep no less often than
every 60 seconds. A best-effort record of each issued token survives in
the durable store as an audit trail; losing it costs nothing but
forensics, since the live table is the only thing that must be correct.
*/
package ipreserve
