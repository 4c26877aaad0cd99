// Package notify carries operator-facing notifications out of the daemon.
// The scheduler raises critical notifications when it finds on-disk
// corruption; other components may use it for anything an operator should
// see without tailing logs.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/log"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one message for a human operator.
type Notification struct {
	Severity  Severity `json:"severity"`
	Title     string   `json:"title"`
	Message   string   `json:"message,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	TaskID    string   `json:"taskId,omitempty"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(n Notification) error
}

// Log writes notifications through the structured logger. This is the
// default channel: operators watch the daemon's output.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logger-backed notifier.
func NewLog() *Log {
	return &Log{logger: log.WithComponent("notify")}
}

// Send logs the notification at a level matching its severity.
func (l *Log) Send(n Notification) error {
	var evt *zerolog.Event
	switch n.Severity {
	case SeverityCritical:
		evt = l.logger.Error()
	case SeverityWarning:
		evt = l.logger.Warn()
	default:
		evt = l.logger.Info()
	}
	if n.ProjectID != "" {
		evt = evt.Str("project_id", n.ProjectID)
	}
	if n.TaskID != "" {
		evt = evt.Str("task_id", n.TaskID)
	}
	if n.Message != "" {
		evt = evt.Str("detail", n.Message)
	}
	evt.Str("severity", string(n.Severity)).Msg(n.Title)
	return nil
}

// Null drops every notification.
type Null struct{}

// NewNull creates a notifier that discards everything.
func NewNull() Null { return Null{} }

// Send discards the notification.
func (Null) Send(Notification) error { return nil }

// Mock records notifications for assertions.
type Mock struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMock creates a recording notifier.
func NewMock() *Mock {
	return &Mock{}
}

// Send records the notification.
func (m *Mock) Send(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns everything sent so far.
func (m *Mock) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
