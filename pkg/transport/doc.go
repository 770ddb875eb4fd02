/*
Package transport is the net/http+JSON wire layer (§6.1/§6.2), using
the ServeMux-plus-JSON-handler shape (request decode, operation, JSON
response) rather than a gRPC/protobuf transport — the dropped-dependency
decision is recorded in DESIGN.md.

Server exposes two surfaces on one mux: /runner/* for runner->host
callbacks (register, heartbeat, task_status) and /tasks, /nodes for the
client-facing task lifecycle API. Every handler is wrapped by
withMetrics, which times the call and records it under
river_api_requests_total/river_api_request_duration_seconds labeled by
operation and status code.

RunnerHTTPClient is the Dispatcher's RunnerClient implementation: it
POSTs execute/vps_create/kill/pause/resume/vps_stop/vps_restart to a
runner's own HTTP listener. HostClient is the runner-side complement,
issuing the register/heartbeat/task_status_update callbacks back to the
Host. Both default to plain JSON over HTTP; passing an *http.Client
whose Transport carries a TLS client certificate (built via
pkg/security.BuildClientTLSConfig) switches the same client onto HTTPS
and mutual TLS — schemeFor() inspects the Transport once at
construction time rather than the caller having to track which scheme
to dial.
*/
package transport
