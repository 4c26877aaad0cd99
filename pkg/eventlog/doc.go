/*
Package eventlog provides AOF's append-only audit trail with live fan-out.

Every task mutation in a project produces one event line. Events are the
forensic record for "why did this task move": transitions, dispatches,
lease churn, protocol rejections, SLA breaches. The log is plain JSONL so
it can be read with standard tools, and a broker mirrors appends to live
subscribers inside the daemon.

# Architecture

	┌───────────────────── EVENT LOG ──────────────────────────┐
	│                                                            │
	│  Append(event)                                             │
	│      │                                                     │
	│      ├── assign eventId (monotonic per UTC day)            │
	│      ├── one JSON line, O_APPEND write                     │
	│      │      events/2026-03-11.jsonl                        │
	│      │      events/2026-03-12.jsonl   ← daily rotation     │
	│      │                                                     │
	│      └── Broker.Publish                                    │
	│              │                                             │
	│              ├── subscriber channel (buffer: 50)           │
	│              └── subscriber channel (buffer: 50)           │
	│                                                            │
	│  Query(filter)  → scans day files oldest-first,            │
	│                   skips malformed lines with a warning     │
	└────────────────────────────────────────────────────────────┘

# Durability Contract

  - One event is one line; O_APPEND keeps concurrent writers from
    interleaving partial lines.
  - eventId restarts at 1 each UTC day and is recovered from the file
    tail on open, so restarts never reuse ids.
  - Appends are the caller's signal, not their transaction: Record()
    logs and swallows failures because a full disk must not turn a
    completed task transition into a reported error.
  - Query never fails on a corrupt line; a partially written tail after
    a crash is skipped, not fatal.

# Usage

	logger, err := eventlog.Open(filepath.Join(projectDir, "events"), "web-app")
	if err != nil { ... }
	defer logger.Close()

	logger.Record(&types.Event{
		Type:   types.EventTaskTransitioned,
		TaskID: task.ID,
		Actor:  "scheduler",
		Payload: map[string]any{"from": "ready", "to": "in-progress"},
	})

	sub := logger.Subscribe()
	defer logger.Unsubscribe(sub)
	for e := range sub {
		fmt.Println(e.Type, e.TaskID)
	}

# Integration Points

  - pkg/store: records every transition, creation, lease change
  - pkg/scheduler: records actions, dispatches, SLA breaches
  - pkg/protocol: records rejections and delegation traffic
  - pkg/server: streams events to clients, reports LastEventAt for health

The broker is best-effort channel fan-out; the durable JSONL layer in
front of it is what makes the audit trail survive restarts.
*/
package eventlog
