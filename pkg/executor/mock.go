package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

// SpawnCall records one Spawn invocation on the mock.
type SpawnCall struct {
	Context types.TaskContext
	Options SpawnOptions
}

// ForceCall records one ForceComplete invocation on the mock.
type ForceCall struct {
	SessionID string
	Reason    string
}

// Mock is the in-memory executor used by tests and by dry-run deployments.
// Sessions are numbered mock-session-1, mock-session-2, ... in spawn order.
// Knobs:
//
//   - AutoComplete writes a run result into the task's working directory
//     as soon as the session starts, so a poll later the task completes.
//   - ScriptFailure queues errors consumed one per Spawn, first in first out.
//   - FailAgent makes every Spawn for one agent fail the same way.
//   - SetPlatformLimit makes the next Spawn fail with a PlatformLimitError.
type Mock struct {
	AutoComplete bool
	AutoOutcome  runfiles.Outcome

	mu            sync.Mutex
	seq           int
	calls         []SpawnCall
	forced        []ForceCall
	scripted      []error
	agentErrs     map[string]error
	platformLimit int
	sessions      map[string]types.TaskContext
	resultOnForce *runfiles.RunResult
}

// NewMock creates a mock executor with no scripted behavior.
func NewMock() *Mock {
	return &Mock{
		AutoOutcome: runfiles.OutcomeComplete,
		agentErrs:   make(map[string]error),
		sessions:    make(map[string]types.TaskContext),
	}
}

// ScriptFailure queues an error for a future Spawn. Queued errors are
// consumed before any other knob is consulted.
func (m *Mock) ScriptFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, err)
}

// FailAgent makes every Spawn routed to agent return err.
func (m *Mock) FailAgent(agent string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentErrs[agent] = err
}

// SetPlatformLimit arms a one-shot PlatformLimitError with this limit.
func (m *Mock) SetPlatformLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platformLimit = limit
}

// ResultOnForce sets the run result the mock writes into the session's
// working directory when that session is force-completed.
func (m *Mock) ResultOnForce(res *runfiles.RunResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultOnForce = res
}

// Spawn records the call and applies the scripted behavior.
func (m *Mock) Spawn(_ context.Context, tc types.TaskContext, opts SpawnOptions) (*SpawnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SpawnCall{Context: tc, Options: opts})

	if len(m.scripted) > 0 {
		err := m.scripted[0]
		m.scripted = m.scripted[1:]
		return nil, err
	}
	if err, ok := m.agentErrs[tc.Agent]; ok {
		return nil, err
	}
	if m.platformLimit > 0 {
		limit := m.platformLimit
		m.platformLimit = 0
		return nil, &PlatformLimitError{Limit: limit}
	}

	m.seq++
	sessionID := fmt.Sprintf("mock-session-%d", m.seq)
	m.sessions[sessionID] = tc

	if m.AutoComplete && tc.WorkDir != "" {
		res := &runfiles.RunResult{
			TaskID:     tc.TaskID,
			Agent:      tc.Agent,
			Outcome:    m.AutoOutcome,
			ReportedAt: time.Now().UTC(),
		}
		if err := runfiles.WriteResult(tc.WorkDir, res); err != nil {
			return nil, fmt.Errorf("auto-complete result: %w", err)
		}
	}
	return &SpawnResult{SessionID: sessionID}, nil
}

// ForceComplete ends a known session, applying the forced result if one
// was configured.
func (m *Mock) ForceComplete(_ context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	delete(m.sessions, sessionID)
	m.forced = append(m.forced, ForceCall{SessionID: sessionID, Reason: reason})

	if m.resultOnForce != nil && tc.WorkDir != "" {
		res := *m.resultOnForce
		res.TaskID = tc.TaskID
		if err := runfiles.WriteResult(tc.WorkDir, &res); err != nil {
			return fmt.Errorf("forced result: %w", err)
		}
	}
	return nil
}

// Calls returns every Spawn seen so far.
func (m *Mock) Calls() []SpawnCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpawnCall(nil), m.calls...)
}

// Forced returns every ForceComplete seen so far.
func (m *Mock) Forced() []ForceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ForceCall(nil), m.forced...)
}

// LiveSessions returns the session ids that were spawned and not yet
// force-completed.
func (m *Mock) LiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Session returns the task context a session was spawned with.
func (m *Mock) Session(sessionID string) (types.TaskContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.sessions[sessionID]
	return tc, ok
}
