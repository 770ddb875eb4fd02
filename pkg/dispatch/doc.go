/*
Package dispatch implements the suspicion-counter protocol (§4.9) that
sits between the Scheduler and the runner fleet. A freshly scheduled
task arrives here ASSIGNING with a target node; Dispatch fires the
execute RPC at that node's runner with a kind-dependent timeout (30s
for COMMAND, 60s for VPS, since image pulls and VM boots run long).

A single RPC failure is not fatal: it bumps the task's
AssignmentSuspicion counter and is reported back to the caller as an
error, but the task is left ASSIGNING so a retry (by whatever drives
the dispatch loop) can try the same node again — a runner under a
brief load spike shouldn't lose its assignment. Only once the counter
reaches the configured threshold (default 3, see
DefaultSuspicionThreshold) is the task requeued to PENDING with its
assignment cleared, so the next scheduling pass can pick a different
node entirely.

CheckAssignment is the entry point a dispatch loop should call once
per sweep per ASSIGNING task: it issues the first RPC via Dispatch, or,
once DispatchedAt is set, checks whether the health-check period has
passed without the runner ever acknowledging RUNNING and suspects the
task for that too. Either failure mode — the RPC itself failing, or it
succeeding with no follow-up ack — accrues suspicion on every sweep
it's called, so a runner that's gone truly dark eventually crosses the
threshold either way.

Control-plane RPCs issued against an already-RUNNING task — kill,
pause, resume, and the VPS stop/restart variants — bypass the
suspicion protocol outright: a failed control call is handed straight
back to the caller rather than triggering a reschedule, since the task
is already live on a node and silently moving it elsewhere would orphan
the original process.
*/
package dispatch
