package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

// leasedTask creates a ready task and leases it to agent under a fake clock.
func leasedTask(t *testing.T, s *Store, agent string, clock *time.Time) *types.Task {
	t.Helper()
	s.SetClock(func() time.Time { return *clock })
	task := createTask(t, s, CreateRequest{Title: "leased work"})
	advance(t, s, task.ID, types.StatusReady)
	leased, err := s.AcquireLease(task.ID, agent, 10*time.Minute)
	require.NoError(t, err)
	return leased
}

func TestAcquireLeaseMovesTaskInProgress(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	task := createTask(t, s, CreateRequest{
		Title:    "claimable",
		Metadata: map[string]string{types.MetaCorrelationID: "corr-123"},
	})
	advance(t, s, task.ID, types.StatusReady)

	leased, err := s.AcquireLease(task.ID, "agent-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, leased.Status)
	require.NotNil(t, leased.Lease)
	assert.Equal(t, "agent-1", leased.Lease.Agent)
	assert.Equal(t, now, leased.Lease.AcquiredAt)
	assert.Equal(t, now.Add(10*time.Minute), leased.Lease.ExpiresAt)
	assert.Equal(t, 0, leased.Lease.RenewCount)

	// The executor finds a live run record in the working directory.
	run, err := runfiles.ReadRun(s.WorkDir(leased))
	require.NoError(t, err)
	assert.Equal(t, task.ID, run.TaskID)
	assert.Equal(t, "proj-test", run.ProjectID)
	assert.Equal(t, "agent-1", run.Agent)
	assert.Equal(t, "corr-123", run.CorrelationID)
	assert.Equal(t, runfiles.RunRunning, run.Status)
	assert.Equal(t, leased.Lease.ExpiresAt, run.LeaseExpiresAt)
}

func TestAcquireLeaseClearsStaleResult(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, CreateRequest{Title: "retry"})
	advance(t, s, task.ID, types.StatusReady)

	// A verdict left by an earlier attempt must not survive into this one.
	dir, err := s.EnsureWorkDir(task.ID)
	require.NoError(t, err)
	require.NoError(t, runfiles.WriteResult(dir, &runfiles.RunResult{
		TaskID: task.ID, Outcome: runfiles.OutcomeComplete,
	}))

	leased, err := s.AcquireLease(task.ID, "agent-1", time.Minute)
	require.NoError(t, err)
	res, err := runfiles.ReadResult(s.WorkDir(leased))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAcquireLeaseIdempotentForHolder(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	again, err := s.AcquireLease(leased.ID, "agent-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, again.Status)
	assert.Equal(t, 0, again.Lease.RenewCount, "re-acquire is not a renewal")
	assert.Equal(t, leased.Lease.ExpiresAt, again.Lease.ExpiresAt)
}

func TestAcquireLeaseConflicts(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	_, err := s.AcquireLease(leased.ID, "agent-2", time.Minute)
	assert.True(t, errdefs.IsConflict(err), "second agent must not steal a live lease: %v", err)

	backlog := createTask(t, s, CreateRequest{Title: "not ready"})
	_, err = s.AcquireLease(backlog.ID, "agent-1", time.Minute)
	assert.True(t, errdefs.IsConflict(err), "only ready tasks can be leased: %v", err)

	_, err = s.AcquireLease(leased.ID, "", time.Minute)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRenewLease(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	clock = clock.Add(3 * time.Minute)
	renewed, err := s.RenewLease(leased.ID, "agent-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(10*time.Minute), renewed.Lease.ExpiresAt)
	assert.Equal(t, 1, renewed.Lease.RenewCount)

	events, err := s.Events().Query(eventlog.Filter{Types: []string{types.EventLeaseRenewed}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent-1", events[0].Actor)

	_, err = s.RenewLease(leased.ID, "agent-2", time.Minute)
	assert.True(t, errdefs.IsPermissionDenied(err), "only the holder renews: %v", err)
}

func TestRenewLeaseAfterExpiryFails(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	clock = clock.Add(time.Hour)
	_, err := s.RenewLease(leased.ID, "agent-1", time.Minute)
	assert.True(t, errors.Is(err, ErrLeaseExpired), "late renewal: %v", err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	fresh := createTask(t, s, CreateRequest{Title: "unleased"})
	_, err = s.RenewLease(fresh.ID, "agent-1", time.Minute)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestReleaseLease(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	_, err := s.ReleaseLease(leased.ID, "agent-2")
	assert.True(t, errdefs.IsPermissionDenied(err))

	released, err := s.ReleaseLease(leased.ID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, released.Lease)
	assert.Equal(t, types.StatusInProgress, released.Status, "release does not move the task")

	events, err := s.Events().Query(eventlog.Filter{Types: []string{types.EventLeaseReleased}})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Releasing again is a no-op with no extra event.
	_, err = s.ReleaseLease(leased.ID, "agent-1")
	require.NoError(t, err)
	events, err = s.Events().Query(eventlog.Filter{Types: []string{types.EventLeaseReleased}})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The unowned in-progress task is reclaimed by the expiry path.
	reclaimed, err := s.ExpireLease(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, reclaimed.Status)
}

func TestExpireLeaseDemotesToReady(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	_, err := s.ExpireLease(leased.ID)
	assert.True(t, errdefs.IsFailedPrecondition(err), "live leases stay put: %v", err)

	clock = clock.Add(time.Hour)
	demoted, err := s.ExpireLease(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, demoted.Status)
	assert.Nil(t, demoted.Lease)

	run, err := runfiles.ReadRun(s.WorkDir(demoted))
	require.NoError(t, err)
	assert.Equal(t, runfiles.RunAbandoned, run.Status)

	events, err := s.Events().Query(eventlog.Filter{
		TaskID: leased.ID, Types: []string{types.EventTaskTransitioned},
	})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.ReasonLeaseExpired, last.Payload["reason"])
}

func TestExpireLeaseBlocksWhenDependenciesRegressed(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	// A blocker attached mid-run means the task is no longer runnable.
	blocker := createTask(t, s, CreateRequest{Title: "late blocker"})
	_, err := s.AddDependency(leased.ID, blocker.ID, "alice")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	demoted, err := s.ExpireLease(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, demoted.Status)
	assert.Equal(t, types.ReasonDependencyRegress, demoted.Meta(types.MetaBlockReason))
}

func TestExpireLeasesSweep(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	stale := createTask(t, s, CreateRequest{Title: "stale"})
	advance(t, s, stale.ID, types.StatusReady)
	_, err := s.AcquireLease(stale.ID, "agent-1", time.Minute)
	require.NoError(t, err)

	clock = clock.Add(30 * time.Minute)
	live := createTask(t, s, CreateRequest{Title: "live"})
	advance(t, s, live.ID, types.StatusReady)
	_, err = s.AcquireLease(live.ID, "agent-2", time.Hour)
	require.NoError(t, err)

	reclaimed, err := s.ExpireLeases()
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stale.ID, reclaimed[0].ID)

	untouched, err := s.Get(live.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, untouched.Status)
}

func TestApplyRunResultComplete(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	res := &runfiles.RunResult{
		TaskID:       leased.ID,
		Outcome:      runfiles.OutcomeComplete,
		SummaryRef:   "outputs/summary.md",
		Deliverables: []string{"outputs/patch.diff"},
		Tests:        &runfiles.TestSummary{Total: 12, Passed: 12},
	}
	done, err := s.ApplyRunResult(leased.ID, res, "agent-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, done.Status)
	assert.Nil(t, done.Lease)

	run, err := runfiles.ReadRun(s.WorkDir(done))
	require.NoError(t, err)
	assert.Equal(t, runfiles.RunCompleted, run.Status)

	events, err := s.Events().Query(eventlog.Filter{Types: []string{types.EventTaskCompleted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "complete", events[0].Payload["outcome"])
	assert.Equal(t, "outputs/summary.md", events[0].Payload["summaryRef"])
}

func TestApplyRunResultRoutesToReview(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

	gated := leasedTask(t, s, "agent-1", &clock)
	reviewed, err := s.ApplyRunResult(gated.ID, &runfiles.RunResult{Outcome: runfiles.OutcomeComplete}, "agent-1", true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, reviewed.Status, "review gate overrides a complete verdict")

	asked := leasedTask(t, s, "agent-1", &clock)
	reviewed, err = s.ApplyRunResult(asked.ID, &runfiles.RunResult{Outcome: runfiles.OutcomeNeedsReview}, "agent-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, reviewed.Status)
}

func TestApplyRunResultBlocked(t *testing.T) {
	s := newTestStore(t)
	clock := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	leased := leasedTask(t, s, "agent-1", &clock)

	res := &runfiles.RunResult{
		Outcome:  runfiles.OutcomeBlocked,
		Blockers: []string{"missing API key", "no staging access"},
	}
	blocked, err := s.ApplyRunResult(leased.ID, res, "agent-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, blocked.Status)
	assert.Equal(t, "missing API key; no staging access", blocked.Meta(types.MetaBlockReason))

	run, err := runfiles.ReadRun(s.WorkDir(blocked))
	require.NoError(t, err)
	assert.Equal(t, runfiles.RunFailed, run.Status)
}

func TestApplyRunResultValidation(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, CreateRequest{Title: "victim"})

	_, err := s.ApplyRunResult(task.ID, nil, "agent-1", false)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = s.ApplyRunResult(task.ID, &runfiles.RunResult{Outcome: "shipped"}, "agent-1", false)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDefaultLeaseTTLApplied(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	task := createTask(t, s, CreateRequest{Title: "defaulted"})
	advance(t, s, task.ID, types.StatusReady)
	leased, err := s.AcquireLease(task.ID, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultLeaseTTL), leased.Lease.ExpiresAt)

	// Heartbeat files written next to the run record stay readable.
	hb, err := runfiles.Beat(s.WorkDir(leased), task.ID, "agent-1", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, hb.BeatCount)
	_, err = os.Stat(filepath.Join(s.WorkDir(leased), "run_heartbeat.json"))
	require.NoError(t, err)
}
