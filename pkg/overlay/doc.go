/*
Package overlay implements the hub-spoke VXLAN Overlay Allocator
(§4.7). Subnet layout is declared as BASE/NETWORK_PREFIX/NODE_BITS/
SUBNET_BITS, the three widths summing to an IPv4 address's 32 bits; a
runner's subnet, gateway, host-on-subnet address and VNI all derive
from its runner id by shifting and adding within that address space
(see subnet.go).

Allocate reuses a prior allocation for a returning hostname or physical
address, otherwise hands out the lowest free runner id; when the pool
is exhausted it reclaims the least-recently-active allocation rather
than refusing new runners outright. A fresh allocation brings up the
host-side VXLAN endpoint, assigns it the host's address on the new
subnet, and installs a route plus FORWARD-chain permits for the
subnet's CIDR, with the same rule-by-rule rollback discipline used
elsewhere for iptables mutations, here generalized to a per-runner
permit pair. One mutex serialises every
allocation, release, and kernel interface mutation, matching the
single-lock discipline the rest of the allocator-style components
(scheduler's accountant excluded, since its consistency model is
per-sweep-snapshot rather than continuously mutated) use.

Rehydrate restores allocator state from the kernel interfaces
themselves after a Host restart: any VXLAN link whose name decodes
through TunnelName's inverse to a runner id, and whose VNI matches that
id's expected value, is trusted and rebuilt into a placeholder
allocation; anything else is deleted. Workloads already running on a
runner keep connectivity throughout, since the kernel interface outlives
the Host process that created it.
*/
package overlay
