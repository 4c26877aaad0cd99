package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/seldon-engine/aof/pkg/types"
)

// Executor starts and stops agent sessions. The scheduler owns the task
// lifecycle around these calls: a lease is already held when Spawn runs,
// and the run result file decides what the task becomes afterwards.
type Executor interface {
	// Spawn starts a session for a task and returns its id. The call
	// returns once the session is accepted; the work itself is async.
	Spawn(ctx context.Context, tc types.TaskContext, opts SpawnOptions) (*SpawnResult, error)

	// ForceComplete terminates a session that stopped reporting. The
	// executor must make the session release its process or connection;
	// the scheduler handles the task afterwards.
	ForceComplete(ctx context.Context, sessionID, reason string) error
}

// SpawnOptions carries per-dispatch parameters.
type SpawnOptions struct {
	Timeout       time.Duration
	CorrelationID string
}

// SpawnResult reports an accepted session.
type SpawnResult struct {
	SessionID string
}

// PlatformLimitError signals that the agent platform refused the session
// because the caller is over its concurrency allowance. The scheduler
// lowers its effective cap to Limit and retries the task later without
// counting a failure against it.
type PlatformLimitError struct {
	Limit int
}

func (e *PlatformLimitError) Error() string {
	return fmt.Sprintf("platform concurrency limit reached (limit %d)", e.Limit)
}
