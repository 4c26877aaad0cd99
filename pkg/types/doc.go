/*
Package types defines the core data structures used throughout AOF.

This package contains all fundamental types of the orchestrator's domain
model: tasks and their lifecycle statuses, leases, routing, SLAs, project
manifests, audit events, and the task context handed to executors. Every
other package builds on these types for persistence, scheduling, and
protocol handling.

# Architecture

The types package is the foundation of the on-disk data model. Tasks live
as markdown files with a YAML header; the header fields here ARE the file
format. A task's status field must always agree with the status directory
the file sits in — the directory tree is the source of truth, and the
header is a projection of it.

# Core Types

Task lifecycle:
  - Task: YAML header + markdown body of a task card
  - Status: backlog, ready, in-progress, blocked, review, done,
    cancelled, deadletter (last three are terminal)
  - Priority: low, normal, high, critical (dispatch order)
  - Lease: exclusive ownership of an in-progress task with expiry
  - SLA: per-status residency limits with a violation action

Routing and projects:
  - Routing: agent/team/role/tags a task should be matched against
  - Project: parsed project.yaml manifest (owner, participants, intake,
    gates)
  - Gate: named workflow checkpoint, resolved into dispatch context

Audit and execution:
  - Event: one JSONL line in a project's daily event log
  - TaskContext: snapshot handed to an executor at spawn time

# State Machine

Tasks follow a directory-backed state machine:

	backlog → ready → in-progress → review → done
	                      ↓    ↘ done
	                      ↓
	   any ──────────→ blocked → ready
	   any non-terminal → cancelled
	   any non-terminal → deadletter

The transition rules themselves live in pkg/store; this package only
declares the vocabulary (Status, IsTerminal, transition reasons).

# Design Patterns

Enumeration pattern:

	All enums are typed string constants:
	  type Status string
	  const (
	      StatusBacklog Status = "backlog"
	      StatusReady   Status = "ready"
	  )

Optional fields use pointers (*Lease, *SLA): nil means absent from the
header. Unknown header fields round-trip through Task.Extra so newer
writers never lose data to older readers.

Metadata is a flat string map with well-known keys (correlationId,
sessionId, retryCount, ...) declared as constants in metadata.go.

# Integration Points

  - pkg/taskfile: encodes/decodes Task to the fenced-header file format
  - pkg/store: enforces the state machine and persists tasks
  - pkg/eventlog: appends Event lines to daily JSONL files
  - pkg/scheduler: sorts on Priority, inspects Lease and SLA
  - pkg/executor: consumes TaskContext
  - pkg/registry: parses Project manifests

# Thread Safety

Types here are plain data. The store decodes a fresh Task from disk for
every operation, so instances are never shared between goroutines unless
a caller does so itself; mutations must be synchronized by callers.
*/
package types
