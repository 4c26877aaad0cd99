package scheduler

import (
	"time"

	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// Config tunes the poll loop. Everything time-shaped is a real duration;
// the millisecond integers used in config files are converted at the parse
// boundary, never inside the scheduler.
type Config struct {
	// MaxConcurrentDispatches caps tasks in progress across all projects.
	// Platform feedback can lower the effective cap below this value but
	// never raise it above.
	MaxConcurrentDispatches int

	// MinDispatchInterval spaces dispatches within one team. A team that
	// dispatched more recently than this has its next assign postponed to
	// the following poll.
	MinDispatchInterval time.Duration

	// MaxDispatchesPerPoll bounds how many assigns a single poll may
	// execute, summed across projects.
	MaxDispatchesPerPoll int

	// DefaultLeaseTTL is the lease granted at dispatch and on each renewal.
	DefaultLeaseTTL time.Duration

	// HeartbeatTTL is how long an agent heartbeat stays fresh. A session
	// whose heartbeat file is older than this is presumed dead and gets
	// reclaimed.
	HeartbeatTTL time.Duration

	// SpawnTimeout is handed to the executor as the session deadline.
	SpawnTimeout time.Duration

	// PollInterval is the gap between poll cycles.
	PollInterval time.Duration

	// PollTimeout bounds one poll end to end. When it fires the poll
	// finishes the action in flight and exits; the next poll starts clean.
	PollTimeout time.Duration

	// SLATargets are per-status fallbacks for tasks that do not declare
	// their own limits. Zero means no limit for that status.
	SLATargets map[types.Status]time.Duration

	// MaxRetries deadletters a task whose dispatches keep failing for
	// unclassified reasons. Zero disables the cutoff.
	MaxRetries int

	// RequireReview routes complete outcomes through review instead of
	// straight to done.
	RequireReview bool
}

// DefaultConfig returns the tuning the daemon ships with.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDispatches: 4,
		MinDispatchInterval:     2 * time.Second,
		MaxDispatchesPerPoll:    8,
		DefaultLeaseTTL:         store.DefaultLeaseTTL,
		HeartbeatTTL:            90 * time.Second,
		SpawnTimeout:            30 * time.Minute,
		PollInterval:            5 * time.Second,
		PollTimeout:             30 * time.Second,
		MaxRetries:              3,
	}
}

// withDefaults backfills zero fields so a partially specified Config still
// produces a working scheduler.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = def.MaxConcurrentDispatches
	}
	if c.MaxDispatchesPerPoll <= 0 {
		c.MaxDispatchesPerPoll = def.MaxDispatchesPerPoll
	}
	if c.DefaultLeaseTTL <= 0 {
		c.DefaultLeaseTTL = def.DefaultLeaseTTL
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = def.HeartbeatTTL
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = def.SpawnTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	return c
}
