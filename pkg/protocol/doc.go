/*
Package protocol is the write surface agents use: structured envelopes for
progress and delegation, plus the tool API the CLI and daemon socket expose.
Everything that enters here leaves as store mutations and event log lines;
the package owns validation, authorization, and per-task serialization, and
nothing else writes on behalf of an agent.

# Architecture

	  unix socket            drop directory
	POST /v1/envelope        inbox/*.json (fsnotify)
	       │                        │
	       ▼                        ▼
	┌──────────────────────────────────────────┐
	│                 Router                   │
	│  1. validate envelope (protocol, v1,     │
	│     signature fields)                    │
	│  2. resolve project store               │
	│  3. load task                            │
	│  4. per-task lock for the whole handler  │
	│  5. dispatch on type                     │
	└───────┬──────────────────────────────────┘
	        │
	   ┌────┴─────────┬───────────────┬──────────────────┐
	   ▼              ▼               ▼                  ▼
	status.update  completion.   handoff.request   handoff.accepted
	(transition,   report        (reroute child,   handoff.rejected
	 work log,     (run_result   write handoff     (receiver ack,
	 cascade)      + apply)      pack, depth cap)   reject blocks)

# Envelopes

An envelope is a small JSON document: protocol "aof", version 1, project,
type, task, sender, optional receiver, sent timestamp, and a typed payload.
Validation rejects anything else before a store is touched. Five types
exist: status.update, completion.report, handoff.request, handoff.accepted,
handoff.rejected.

Rejections are first-class: the router returns a Rejection carrying a
stable reason (unauthorized, task_not_found, nested_delegation, ...) that
wraps an errdefs sentinel, and mirrors it into the project's event log as
protocol.message.rejected. Transports map the sentinel to their own status
codes; nothing string-matches.

# Authorization

A task's writers are its routed agent, its live lease holder, and the
project lead from the manifest. Tasks with neither routing nor a live
lease are open. The same rule guards status updates, completion reports,
and the update/complete tools; handoff acks are stricter, only the agent
the child is routed to may answer.

# Delegation

handoff.request reroutes an existing child task to the receiving agent,
stamps metadata.delegationDepth, and writes inputs/handoff.json plus a
rendered handoff.md under the child's working directory. Depth is capped
at one: an agent working delegated work cannot delegate further; such
requests are refused with nested_delegation and leave the child untouched.

# Tool API

ToolCreate, ToolUpdate, ToolComplete and ToolDispatch wrap the same store
operations for callers that want a one-line answer instead of an envelope.
Every call returns a ToolResult whose Summary fits a terminal line and
whose Meta always carries taskId and status. ToolDispatch promotes the
task and wakes the scheduler; the spawn itself stays in the poll loop so
manual dispatches obey the same capacity and throttles as automatic ones.

# Inbox

The Inbox watches a drop directory with fsnotify. Files are debounced,
parsed, routed, then moved to archive/ (handled) or rejected/ (refused);
files that fail for daemon-side reasons stay put and a periodic sweep
retries them. Producers should write elsewhere and rename in.

# Session End

HandleSessionEnded is the out-of-band finisher: when an agent session ends
without a completion envelope, any run_result.json the agent managed to
write is applied as its verdict. Tasks without one are left for lease
expiry to reclaim.

# See Also

  - pkg/store: the mutations every handler bottoms out in
  - pkg/delegation: handoff artifacts and subtask pointers
  - pkg/server: the socket transport in front of this router
  - pkg/runfiles: the run_result.json contract
*/
package protocol
