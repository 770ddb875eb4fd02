/*
Package runner is the Runner Agent: it registers with the Host, answers
the Host's dispatch RPCs, and reports task status and liveness back
over periodic heartbeats.

The heartbeatLoop/sendHeartbeat pair runs on its own ticker against a
stopCh, independent of request handling. river's Runner Agent is
push-based: the Host's Dispatcher calls execute/vps_create/kill/pause/
resume/vps_stop/vps_restart directly over pkg/transport's HTTP+JSON
wire, so Runner is itself an http.Handler rather than a polling loop,
and per-task state lives in an in-flight set (inflight.go) keyed by
task id.

The in-flight set is the mechanism behind reporting task completion
exactly once: doKill() first removes a task id from
the set (forget), so that when the monitored container subsequently
exits, waitAndReport sees the task already absent and sends no terminal
status of its own — the kill path has already reported KILLED. A task
that exits on its own (crash, OOM, normal completion) is still present in
the set at exit time, so its status is reported through the normal
exit-code mapping instead.
*/
package runner
