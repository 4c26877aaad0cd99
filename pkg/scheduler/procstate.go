package scheduler

import (
	"sync"
	"time"
)

// processState is scheduler state that outlives individual polls: the team
// throttle map, the effective concurrency cap after platform feedback, the
// draining flag, and which corrupt cards were already escalated. It is
// process-wide so that restarting the poll loop cannot forget a lowered cap
// mid-session. Tests call ResetProcess between cases.
type processState struct {
	mu               sync.Mutex
	configuredCap    int
	effectiveCap     int
	lastTeamDispatch map[string]time.Time
	draining         bool
	corruptSeen      map[string]bool
}

var proc = &processState{
	lastTeamDispatch: make(map[string]time.Time),
	corruptSeen:      make(map[string]bool),
}

// InitProcess seeds process state from configuration. New calls it; calling
// it again clears throttles and restores the configured cap.
func InitProcess(maxConcurrent int) {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.configuredCap = maxConcurrent
	proc.effectiveCap = maxConcurrent
	proc.lastTeamDispatch = make(map[string]time.Time)
	proc.corruptSeen = make(map[string]bool)
	proc.draining = false
}

// ResetProcess clears all process state back to zero values.
func ResetProcess() {
	InitProcess(0)
}

// SetDraining flips the shutdown flag. A draining scheduler plans no new
// work; sessions already running are left to finish.
func SetDraining(v bool) {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.draining = v
}

// Draining reports whether shutdown has begun.
func Draining() bool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.draining
}

// EffectiveCap returns the current concurrency ceiling.
func EffectiveCap() int {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.effectiveCap
}

// lowerCap applies platform feedback. The cap only moves down; it recovers
// when InitProcess runs again.
func lowerCap(limit int) int {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if limit >= 0 && limit < proc.effectiveCap {
		proc.effectiveCap = limit
	}
	return proc.effectiveCap
}

// markDispatch records a successful dispatch for team throttling.
func markDispatch(team string, at time.Time) {
	if team == "" {
		return
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.lastTeamDispatch[team] = at
}

// teamThrottles copies the throttle map for one planning pass.
func teamThrottles() map[string]time.Time {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	out := make(map[string]time.Time, len(proc.lastTeamDispatch))
	for team, at := range proc.lastTeamDispatch {
		out[team] = at
	}
	return out
}

// corruptOnce reports whether this is the first sighting of a corrupt card,
// so the critical notification fires once per process instead of once per
// poll.
func corruptOnce(projectID, taskID string) bool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	key := projectID + "/" + taskID
	if proc.corruptSeen[key] {
		return false
	}
	proc.corruptSeen[key] = true
	return true
}
