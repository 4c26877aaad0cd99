/*
Package client provides a Go client for the daemon's unix-socket API.

It wraps the HTTP surface served by pkg/server with typed methods, so the
CLI and embedded tooling never build requests by hand. The daemon and its
callers always share a host; the socket path is the only address.

# Architecture

	┌──────────────────── CALLER (CLI, agent tooling) ───────────┐
	│                                                             │
	│  c := client.New("/var/lib/aof/aof.sock")                  │
	│  res, err := c.CreateTask(ctx, protocol.CreateParams{...}) │
	│                                                             │
	└──────────────────┬──────────────────────────────────────────┘
	                   │ HTTP over unix domain socket
	┌──────────────────▼──── daemon (pkg/server) ─────────────────┐
	│  /health  /metrics  /v1/envelope  /v1/tools/*  /v1/tasks    │
	│  /v1/events  /v1/projects  /v1/sessions/ended               │
	└──────────────────────────────────────────────────────────────┘

# Error Handling

Non-2xx answers come back as *APIError. The error unwraps to the errdefs
sentinel matching the HTTP status, so the same branching works on both
sides of the socket:

	_, err := c.Task(ctx, "payments", "T-0042")
	if errdefs.IsNotFound(err) {
		// no such task
	}

Protocol rejections additionally carry their machine reason:

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Reason == protocol.ReasonUnauthorized {
		// sender may not act on this task
	}

A daemon that is not running surfaces as errdefs.IsUnavailable on every
method.

# Timeouts

The client sets no timeout of its own; every method takes a context and
blocks until the daemon answers or the context ends. Events with a Wait
long-poll by design, and Tail loops such long-polls indefinitely:

	err := c.Tail(ctx, client.EventQuery{Project: "payments"}, func(e *types.Event) {
		fmt.Println(e.Type, e.TaskID)
	})
*/
package client
