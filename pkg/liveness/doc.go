/*
Package liveness implements the Liveness Monitor (§4.5): a ticking
sweep over the node registry, grounded in the same periodic
check/state-transition/callback shape as a conventional cluster health
monitor, but pull-free — the Host never dials a runner to ask if it is
alive. Liveness is entirely heartbeat-driven: Heartbeat records the
runner's self-reported state, and Sweep only ever looks at how long ago
that last arrived.

A node whose heartbeat is older than the configured timeout flips
ONLINE -> OFFLINE, and every non-terminal task there (RUNNING,
ASSIGNING or PAUSED) is moved to LOST by the Status Authority in the
same pass. A VPS task that later turns up in a
runner's in-flight report recovers LOST -> RUNNING (heartbeat-driven,
see Heartbeat); a COMMAND task has no such path and simply stays LOST
(§13).
*/
package liveness
