package health

import (
	"context"
	"time"

	"github.com/seldon-engine/aof/pkg/registry"
)

// Component names in the health report.
const (
	ComponentScheduler   = "scheduler"
	ComponentStore       = "store"
	ComponentEventLogger = "eventLogger"
)

// Overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultStaleAfter is how old the last poll may be before the daemon is
// considered wedged.
const DefaultStaleAfter = 5 * time.Minute

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one component.
type Checker interface {
	// Check performs the probe and returns the result.
	Check(ctx context.Context) Result

	// Name returns the component name the result is filed under.
	Name() string
}

// Component is one entry in the report's components map.
type Component struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// ReportConfig echoes the daemon configuration operators need when
// reading a report in isolation.
type ReportConfig struct {
	DataDir        string `json:"dataDir"`
	PollIntervalMs int64  `json:"pollIntervalMs"`
}

// Report is the health surface served on /health.
type Report struct {
	Status      string               `json:"status"`
	Uptime      string               `json:"uptime"`
	LastPollAt  time.Time            `json:"lastPollAt"`
	LastEventAt time.Time            `json:"lastEventAt"`
	TaskCounts  map[string]int       `json:"taskCounts"`
	Components  map[string]Component `json:"components"`
	Config      ReportConfig         `json:"config"`
}

// Healthy reports whether every component passed.
func (r *Report) Healthy() bool { return r.Status == StatusHealthy }

// PollWatcher exposes the scheduler's poll freshness.
type PollWatcher interface {
	LastPollAt() time.Time
}

// Config parameterizes a Monitor.
type Config struct {
	DataDir      string
	PollInterval time.Duration

	// StaleAfter marks the scheduler unhealthy when the last poll is
	// older than this. It doubles as the startup grace window before a
	// never-polled scheduler counts against health.
	StaleAfter time.Duration
}

// Monitor aggregates the component probes into the report the daemon
// serves. One instance lives for the daemon's lifetime; uptime is
// measured from construction.
type Monitor struct {
	cfg       Config
	store     *StoreChecker
	events    *EventLogChecker
	scheduler *SchedulerChecker
	startedAt time.Time
}

// NewMonitor wires the standard probes over the registry and scheduler.
func NewMonitor(reg *registry.Registry, polls PollWatcher, cfg Config) *Monitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	startedAt := time.Now().UTC()
	return &Monitor{
		cfg:    cfg,
		store:  &StoreChecker{Registry: reg},
		events: &EventLogChecker{Registry: reg},
		scheduler: &SchedulerChecker{
			Polls:      polls,
			StaleAfter: cfg.StaleAfter,
			StartedAt:  startedAt,
		},
		startedAt: startedAt,
	}
}

// Uptime returns how long the monitor (and so the daemon) has been up.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// Report runs every probe and assembles the health surface. Unhealthy when
// the store probe fails or the last poll is too old; everything else is
// informational.
func (m *Monitor) Report(ctx context.Context) *Report {
	rep := &Report{
		Status:     StatusHealthy,
		Uptime:     m.Uptime().Round(time.Second).String(),
		TaskCounts: make(map[string]int),
		Components: make(map[string]Component),
		Config: ReportConfig{
			DataDir:        m.cfg.DataDir,
			PollIntervalMs: m.cfg.PollInterval.Milliseconds(),
		},
	}

	storeRes := m.store.Check(ctx)
	rep.Components[m.store.Name()] = toComponent(storeRes)
	if storeRes.Healthy {
		if counts, err := m.store.Counts(); err == nil {
			rep.TaskCounts = counts
		}
	}

	eventRes := m.events.Check(ctx)
	rep.Components[m.events.Name()] = toComponent(eventRes)
	rep.LastEventAt = m.events.LastEventAt()

	schedRes := m.scheduler.Check(ctx)
	rep.Components[m.scheduler.Name()] = toComponent(schedRes)
	if m.scheduler.Polls != nil {
		rep.LastPollAt = m.scheduler.Polls.LastPollAt()
	}

	for _, c := range rep.Components {
		if !c.Healthy {
			rep.Status = StatusUnhealthy
			break
		}
	}
	return rep
}

func toComponent(r Result) Component {
	return Component{Healthy: r.Healthy, Message: r.Message}
}
