package types

import (
	"time"
)

// Status represents the lifecycle state of a task. The status recorded in
// the task header must always match the directory the task file lives in.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeadletter Status = "deadletter"
)

// AllStatuses lists every status directory in a project, in lifecycle order.
var AllStatuses = []Status{
	StatusBacklog,
	StatusReady,
	StatusInProgress,
	StatusBlocked,
	StatusReview,
	StatusDone,
	StatusCancelled,
	StatusDeadletter,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether tasks in this status accept no further
// transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusDeadletter
}

// Priority orders tasks for dispatch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight, higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Routing describes who should pick a task up.
type Routing struct {
	Agent string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Team  string   `yaml:"team,omitempty" json:"team,omitempty"`
	Role  string   `yaml:"role,omitempty" json:"role,omitempty"`
	Tags  []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Lease records exclusive ownership of an in-progress task.
type Lease struct {
	Agent      string    `yaml:"agent" json:"agent"`
	AcquiredAt time.Time `yaml:"acquiredAt" json:"acquiredAt"`
	ExpiresAt  time.Time `yaml:"expiresAt" json:"expiresAt"`
	RenewCount int       `yaml:"renewCount" json:"renewCount"`
}

// Active reports whether the lease is still held at the given instant.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// ViolationAction is what the scheduler does when a task breaches its SLA.
type ViolationAction string

const (
	ViolationAlert      ViolationAction = "alert"
	ViolationBlock      ViolationAction = "block"
	ViolationDeadletter ViolationAction = "deadletter"
)

// SLA bounds how long a task may sit in a status before the scheduler acts.
type SLA struct {
	MaxInStatusMs map[Status]int64 `yaml:"maxInStatusMs,omitempty" json:"maxInStatusMs,omitempty"`
	OnViolation   ViolationAction  `yaml:"onViolation,omitempty" json:"onViolation,omitempty"`
}

// Target returns the configured limit for a status, zero when unset.
func (s *SLA) Target(status Status) time.Duration {
	if s == nil || s.MaxInStatusMs == nil {
		return 0
	}
	return time.Duration(s.MaxInStatusMs[status]) * time.Millisecond
}

// Gate is a named workflow checkpoint declared in the project manifest.
// Tasks reference gates by name; dispatch enriches the task context with
// the matching descriptions.
type Gate struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Task is the parsed form of a task card: the YAML header plus the markdown
// body beneath it. Unknown header fields survive round-trips via Extra.
type Task struct {
	ID               string            `yaml:"id" json:"id"`
	Project          string            `yaml:"project,omitempty" json:"project,omitempty"`
	Title            string            `yaml:"title" json:"title"`
	Status           Status            `yaml:"status" json:"status"`
	Priority         Priority          `yaml:"priority" json:"priority"`
	CreatedAt        time.Time         `yaml:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time         `yaml:"updatedAt" json:"updatedAt"`
	LastTransitionAt time.Time         `yaml:"lastTransitionAt,omitempty" json:"lastTransitionAt,omitempty"`
	CreatedBy        string            `yaml:"createdBy,omitempty" json:"createdBy,omitempty"`
	ParentID         string            `yaml:"parentId,omitempty" json:"parentId,omitempty"`
	DependsOn        []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Routing          Routing           `yaml:"routing,omitempty" json:"routing,omitempty"`
	Lease            *Lease            `yaml:"lease,omitempty" json:"lease,omitempty"`
	SLA              *SLA              `yaml:"sla,omitempty" json:"sla,omitempty"`
	Gates            []string          `yaml:"gates,omitempty" json:"gates,omitempty"`
	RequiredRunbook  string            `yaml:"requiredRunbook,omitempty" json:"requiredRunbook,omitempty"`
	InstructionsRef  string            `yaml:"instructionsRef,omitempty" json:"instructionsRef,omitempty"`
	GuidanceRef      string            `yaml:"guidanceRef,omitempty" json:"guidanceRef,omitempty"`
	Metadata         map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// ContentHash is the sha256 of the body, recomputed on body edits.
	ContentHash string `yaml:"contentHash,omitempty" json:"contentHash,omitempty"`

	// Extra holds header fields this version does not know about.
	Extra map[string]any `yaml:",inline" json:"-"`

	// Body is the markdown below the header fence. Not part of the header.
	Body string `yaml:"-" json:"body,omitempty"`
}

// Meta returns a metadata value, empty string when absent.
func (t *Task) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// DeleteMeta removes a metadata key if present.
func (t *Task) DeleteMeta(key string) {
	if t.Metadata != nil {
		delete(t.Metadata, key)
	}
}

// DependsOnTask reports whether id is a direct blocker of this task.
func (t *Task) DependsOnTask(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// LeaseActive reports whether the task holds an unexpired lease.
func (t *Task) LeaseActive(now time.Time) bool {
	return t.Lease.Active(now)
}
