package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

func testContext(t *testing.T, taskID, agent string) types.TaskContext {
	t.Helper()
	return types.TaskContext{
		TaskID:    taskID,
		ProjectID: "proj-test",
		Title:     "Test task",
		Agent:     agent,
		WorkDir:   filepath.Join(t.TempDir(), taskID),
	}
}

func TestMockSpawnNumbersSessions(t *testing.T) {
	m := NewMock()

	first, err := m.Spawn(context.Background(), testContext(t, "20250812-091500-aaaaaa", "builder"), SpawnOptions{CorrelationID: "corr-1"})
	require.NoError(t, err)
	second, err := m.Spawn(context.Background(), testContext(t, "20250812-091501-bbbbbb", "builder"), SpawnOptions{CorrelationID: "corr-2"})
	require.NoError(t, err)

	assert.Equal(t, "mock-session-1", first.SessionID)
	assert.Equal(t, "mock-session-2", second.SessionID)

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "20250812-091500-aaaaaa", calls[0].Context.TaskID)
	assert.Equal(t, "corr-2", calls[1].Options.CorrelationID)
	assert.ElementsMatch(t, []string{"mock-session-1", "mock-session-2"}, m.LiveSessions())
}

func TestMockScriptedFailuresDrainInOrder(t *testing.T) {
	m := NewMock()
	m.ScriptFailure(errors.New("429 too many requests"))
	m.ScriptFailure(errors.New("connection reset by peer"))

	_, err := m.Spawn(context.Background(), testContext(t, "20250812-091500-aaaaaa", "builder"), SpawnOptions{})
	require.EqualError(t, err, "429 too many requests")

	_, err = m.Spawn(context.Background(), testContext(t, "20250812-091501-bbbbbb", "builder"), SpawnOptions{})
	require.EqualError(t, err, "connection reset by peer")

	res, err := m.Spawn(context.Background(), testContext(t, "20250812-091502-cccccc", "builder"), SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "mock-session-1", res.SessionID)
}

func TestMockFailAgentIsSticky(t *testing.T) {
	m := NewMock()
	m.FailAgent("ghost", errors.New("no such agent: ghost"))

	for i := 0; i < 2; i++ {
		_, err := m.Spawn(context.Background(), testContext(t, fmt.Sprintf("20250812-09150%d-abcde%d", i, i), "ghost"), SpawnOptions{})
		require.EqualError(t, err, "no such agent: ghost")
	}

	_, err := m.Spawn(context.Background(), testContext(t, "20250812-091509-ffffff", "builder"), SpawnOptions{})
	require.NoError(t, err)
}

func TestMockPlatformLimitFiresOnce(t *testing.T) {
	m := NewMock()
	m.SetPlatformLimit(3)

	_, err := m.Spawn(context.Background(), testContext(t, "20250812-091500-aaaaaa", "builder"), SpawnOptions{})
	require.Error(t, err)

	var limitErr *PlatformLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Contains(t, limitErr.Error(), "limit 3")

	_, err = m.Spawn(context.Background(), testContext(t, "20250812-091501-bbbbbb", "builder"), SpawnOptions{})
	require.NoError(t, err)
}

func TestMockAutoCompleteWritesResult(t *testing.T) {
	m := NewMock()
	m.AutoComplete = true

	tc := testContext(t, "20250812-091500-aaaaaa", "builder")
	_, err := m.Spawn(context.Background(), tc, SpawnOptions{})
	require.NoError(t, err)

	res, err := runfiles.ReadResult(tc.WorkDir)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, tc.TaskID, res.TaskID)
	assert.Equal(t, runfiles.OutcomeComplete, res.Outcome)
	assert.Equal(t, "builder", res.Agent)
}

func TestMockForceComplete(t *testing.T) {
	m := NewMock()
	m.ResultOnForce(&runfiles.RunResult{
		Agent:   "builder",
		Outcome: runfiles.OutcomeBlocked,
		Notes:   "reclaimed after stale heartbeat",
	})

	tc := testContext(t, "20250812-091500-aaaaaa", "builder")
	spawned, err := m.Spawn(context.Background(), tc, SpawnOptions{})
	require.NoError(t, err)

	err = m.ForceComplete(context.Background(), spawned.SessionID, "stale heartbeat")
	require.NoError(t, err)

	forced := m.Forced()
	require.Len(t, forced, 1)
	assert.Equal(t, spawned.SessionID, forced[0].SessionID)
	assert.Equal(t, "stale heartbeat", forced[0].Reason)
	assert.Empty(t, m.LiveSessions())

	res, err := runfiles.ReadResult(tc.WorkDir)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, tc.TaskID, res.TaskID)
	assert.Equal(t, runfiles.OutcomeBlocked, res.Outcome)

	err = m.ForceComplete(context.Background(), "mock-session-99", "never spawned")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNullSpawnsUniqueSessions(t *testing.T) {
	n := NewNull()

	first, err := n.Spawn(context.Background(), testContext(t, "20250812-091500-aaaaaa", "builder"), SpawnOptions{})
	require.NoError(t, err)
	second, err := n.Spawn(context.Background(), testContext(t, "20250812-091501-bbbbbb", "builder"), SpawnOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, first.SessionID)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	require.NoError(t, n.ForceComplete(context.Background(), first.SessionID, "any"))
	err = n.ForceComplete(context.Background(), "", "missing id")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestNewExecValidatesConfig(t *testing.T) {
	_, err := NewExec(ExecConfig{})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	exe, err := NewExec(ExecConfig{Command: "/bin/true"})
	require.NoError(t, err)
	assert.Equal(t, DefaultExecConfig().MinSpawnTimeout, exe.cfg.MinSpawnTimeout)
	assert.Equal(t, DefaultExecConfig().HeartbeatTTL, exe.cfg.HeartbeatTTL)
}

func TestExecForceCompleteUnknownSession(t *testing.T) {
	exe, err := NewExec(ExecConfig{Command: "/bin/true"})
	require.NoError(t, err)

	err = exe.ForceComplete(context.Background(), "no-such-session", "stale")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestExecShutdownWithNoSessions(t *testing.T) {
	exe, err := NewExec(ExecConfig{Command: "/bin/true"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, exe.Shutdown(ctx))
}
