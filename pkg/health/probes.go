package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/seldon-engine/aof/pkg/registry"
)

// StoreChecker probes the task store side: project discovery must work and
// every opened board must be countable. A failure here makes the daemon
// unhealthy; nothing can be trusted when the store cannot be read.
type StoreChecker struct {
	Registry *registry.Registry
}

// Name returns the component name.
func (c *StoreChecker) Name() string { return ComponentStore }

// Check performs the store probe.
func (c *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if _, err := c.Registry.Projects(false); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("project discovery failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	for _, st := range c.Registry.Opened() {
		if ctx.Err() != nil {
			break
		}
		if _, err := st.CountByStatus(); err != nil {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("count %s: %v", st.ProjectID(), err),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// Counts aggregates per-status task totals across every opened board.
func (c *StoreChecker) Counts() (map[string]int, error) {
	totals := make(map[string]int)
	for _, st := range c.Registry.Opened() {
		counts, err := st.CountByStatus()
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			totals[string(status)] += n
		}
	}
	return totals, nil
}

// EventLogChecker probes the audit side: every opened project must still
// have a live event log.
type EventLogChecker struct {
	Registry *registry.Registry
}

// Name returns the component name.
func (c *EventLogChecker) Name() string { return ComponentEventLogger }

// Check performs the event log probe.
func (c *EventLogChecker) Check(_ context.Context) Result {
	start := time.Now()
	for _, st := range c.Registry.Opened() {
		if st.Events() == nil {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("project %s has no event log", st.ProjectID()),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// LastEventAt returns the newest append across all opened project logs,
// zero when nothing has been logged.
func (c *EventLogChecker) LastEventAt() time.Time {
	var newest time.Time
	for _, st := range c.Registry.Opened() {
		if l := st.Events(); l != nil {
			if at := l.LastEventAt(); at.After(newest) {
				newest = at
			}
		}
	}
	return newest
}

// SchedulerChecker probes poll freshness. A scheduler that has not
// finished a poll within StaleAfter is wedged; a scheduler that has never
// polled gets the same window as a startup grace period.
type SchedulerChecker struct {
	Polls      PollWatcher
	StaleAfter time.Duration
	StartedAt  time.Time
}

// Name returns the component name.
func (c *SchedulerChecker) Name() string { return ComponentScheduler }

// Check performs the scheduler probe.
func (c *SchedulerChecker) Check(_ context.Context) Result {
	start := time.Now()
	now := start.UTC()
	if c.Polls == nil {
		return Result{
			Healthy:   false,
			Message:   "no scheduler attached",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	last := c.Polls.LastPollAt()
	if last.IsZero() {
		if now.Sub(c.StartedAt) < c.StaleAfter {
			return Result{
				Healthy:   true,
				Message:   "no poll completed yet",
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		return Result{
			Healthy:   false,
			Message:   "no poll completed since start",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if age := now.Sub(last); age > c.StaleAfter {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("last poll %s ago", age.Round(time.Second)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// SocketChecker performs the daemon's startup self-check: GET /health over
// its own unix socket, healthy on a 2xx answer. It proves the whole serving
// path end to end, not just that the listener bound.
type SocketChecker struct {
	SocketPath string
	Client     *http.Client
}

// NewSocketChecker creates a checker dialing the given unix socket.
func NewSocketChecker(socketPath string) *SocketChecker {
	return &SocketChecker{
		SocketPath: socketPath,
		Client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Name returns the component name.
func (c *SocketChecker) Name() string { return "socket" }

// Check performs the socket probe.
func (c *SocketChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://aof/health", nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
