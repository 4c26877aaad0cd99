package types

import "time"

// Event is one line in a project's daily JSONL audit log.
type Event struct {
	EventID   int64          `json:"eventId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the daemon.
const (
	EventTaskCreated       = "task.created"
	EventTaskTransitioned  = "task.transitioned"
	EventTaskUpdated       = "task.updated"
	EventTaskCompleted     = "task.completed"
	EventTaskDeleted       = "task.deleted"
	EventTaskCancelled     = "task.cancelled"
	EventDependencyCascade = "dependency.cascaded"

	EventActionStarted   = "action.started"
	EventActionCompleted = "action.completed"

	EventDispatchMatched = "dispatch.matched"
	EventDispatchDeduped = "dispatch.deduped"
	EventDispatchError   = "dispatch.error"

	EventLeaseRenewed  = "lease.renewed"
	EventLeaseReleased = "lease.released"

	EventPlatformLimit        = "concurrency.platformLimit"
	EventSessionForceComplete = "session.force_completed"

	EventProtocolRejected = "protocol.message.rejected"

	EventDelegationRequested = "delegation.requested"
	EventDelegationAccepted  = "delegation.accepted"
	EventDelegationRejected  = "delegation.rejected"

	EventSLABreach     = "sla.breach"
	EventCrashRecovery = "system.crash_recovery"
)

// Transition reasons recorded in task.transitioned payloads.
const (
	ReasonManual              = "manual"
	ReasonDispatch            = "dispatch"
	ReasonLeaseExpired        = "lease_expired"
	ReasonStaleHeartbeat      = "stale_heartbeat"
	ReasonDependencySatisfied = "dependency_satisfied"
	ReasonDependencyRegress   = "dependency_regress"
	ReasonUpstreamBlocked     = "upstream_blocked"
	ReasonSLAViolation        = "sla_violation"
	ReasonPlatformLimit       = "platform_limit"
	ReasonCompletionReport    = "completion_report"
	ReasonLifecycleWalk       = "lifecycle_walk"
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonDispatchFailure     = "dispatch_failure"
	ReasonHandoffRejected     = "handoff_rejected"
)
