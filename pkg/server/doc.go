/*
Package server exposes the daemon's IPC surface: a plain HTTP API bound to
a unix domain socket in the data directory (aof.sock, mode 0600). There is
no TCP listener; callers must share the host and the socket's permissions
are the entire authentication story.

# Routes

	GET  /health              aggregated health report (503 when unhealthy)
	GET  /metrics             Prometheus exposition
	POST /v1/envelope         submit a protocol envelope
	POST /v1/tools/{name}     tool calls: create, update, complete, dispatch
	POST /v1/sessions/ended   reconcile tasks after an agent session exits
	GET  /v1/events           event history; long-polls with ?wait=
	GET  /v1/tasks            list a project's tasks (?project= required)
	GET  /v1/tasks/{id}       one task, id prefixes accepted
	GET  /v1/projects         discovered projects

# Error Mapping

Failures come back as {"error": ..., "reason": ...} with the HTTP status
derived from the errdefs class: invalid argument 400, not found 404,
permission denied 403, conflict 409, failed precondition 412, resource
exhausted 429, unavailable 503. Protocol rejections carry their machine
reason (unauthorized, invalid_transition, ...) so clients can branch
without parsing prose.

# Long Polling

GET /v1/events?since=...&wait=5s subscribes to the project's log when the
first query comes back empty, re-queries on every append, and gives up
after the wait (capped at 30s). No SSE, no websockets: a loop of plain
GETs tails the log.

Request bodies are capped at 1 MiB. Every handler is wrapped with the
request counter and latency histogram from pkg/metrics, labeled by route
pattern rather than raw path.
*/
package server
