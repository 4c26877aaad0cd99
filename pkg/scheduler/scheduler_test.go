package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/notify"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

func writeProjectDir(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, "projects", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "id: " + id + "\nstatus: active\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(manifest), 0o644))
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *executor.Mock, *notify.Mock, *registry.Registry) {
	t.Helper()
	root := t.TempDir()
	writeProjectDir(t, root, "demo")
	reg := registry.New(root)
	t.Cleanup(func() { _ = reg.Close() })

	mock := executor.NewMock()
	sink := notify.NewMock()
	sched := New(reg, mock, sink, cfg)
	t.Cleanup(sched.Stop)
	return sched, mock, sink, reg
}

func openProject(t *testing.T, reg *registry.Registry, id string) *store.Store {
	t.Helper()
	st, err := reg.Open(id)
	require.NoError(t, err)
	return st
}

func readyTask(t *testing.T, st *store.Store, id, agent string, mut ...func(*store.CreateRequest)) *types.Task {
	t.Helper()
	req := store.CreateRequest{
		ID:      id,
		Title:   "work on " + id,
		Routing: types.Routing{Agent: agent},
		Actor:   "test",
	}
	for _, m := range mut {
		m(&req)
	}
	created, err := st.Create(req)
	require.NoError(t, err)
	moved, err := st.Transition(created.ID, types.StatusReady, store.TransitionOptions{Actor: "test"})
	require.NoError(t, err)
	return moved
}

func taskEvents(t *testing.T, st *store.Store, taskID string, eventTypes ...string) []*types.Event {
	t.Helper()
	events, err := st.Events().Query(eventlog.Filter{TaskID: taskID, Types: eventTypes})
	require.NoError(t, err)
	return events
}

func TestPollDispatchesReadyTask(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")

	require.NoError(t, sched.Poll(context.Background()))

	got, err := st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "dev-1", got.Lease.Agent)

	corrID := got.Meta(types.MetaCorrelationID)
	_, err = uuid.Parse(corrID)
	require.NoError(t, err, "correlation id must be a uuid, got %q", corrID)
	assert.Equal(t, "mock-session-1", got.Meta(types.MetaSessionID))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "t-1", calls[0].Context.TaskID)
	assert.Equal(t, "dev-1", calls[0].Context.Agent)
	assert.Equal(t, corrID, calls[0].Context.CorrelationID)
	assert.Equal(t, corrID, calls[0].Options.CorrelationID)
	assert.Equal(t, "demo", calls[0].Context.ProjectID)
	assert.NotEmpty(t, calls[0].Context.WorkDir)

	run, err := runfiles.ReadRun(st.WorkDir(got))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, corrID, run.CorrelationID)
	assert.Equal(t, runfiles.RunRunning, run.Status)

	matched := taskEvents(t, st, "t-1", types.EventDispatchMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, corrID, matched[0].Payload["correlationId"])
	assert.Equal(t, "mock-session-1", matched[0].Payload["sessionId"])
}

func TestPollDoesNotDoubleDispatch(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")

	require.NoError(t, sched.Poll(context.Background()))
	require.NoError(t, sched.Poll(context.Background()))

	assert.Len(t, mock.Calls(), 1, "an in-progress task must not be re-assigned")
	got, err := st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
}

func TestPollExpiresLapsedLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLeaseTTL = time.Millisecond
	sched, mock, _, reg := newTestScheduler(t, cfg)
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")

	require.NoError(t, sched.Poll(context.Background()))
	require.Len(t, mock.Calls(), 1)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sched.Poll(context.Background()))

	got, err := st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status, "expired lease returns the task to ready")
	assert.Nil(t, got.Lease)

	run, err := runfiles.ReadRun(st.WorkDir(got))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runfiles.RunAbandoned, run.Status)

	moves := taskEvents(t, st, "t-1", types.EventTaskTransitioned)
	var reasons []string
	for _, e := range moves {
		reasons = append(reasons, e.Payload["reason"].(string))
	}
	assert.Contains(t, reasons, types.ReasonLeaseExpired)
}

func TestPollReclaimsStaleHeartbeat(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")

	require.NoError(t, sched.Poll(context.Background()))
	got, err := st.Get("t-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, got.Status)

	// The session stops beating while the lease is still live.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, runfiles.WriteHeartbeat(st.WorkDir(got), &runfiles.Heartbeat{
		TaskID:        "t-1",
		AgentID:       "dev-1",
		LastHeartbeat: stale,
		ExpiresAt:     stale.Add(90 * time.Second),
	}))

	require.NoError(t, sched.Poll(context.Background()))

	got, err = st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Nil(t, got.Lease)

	forced := mock.Forced()
	require.Len(t, forced, 1)
	assert.Equal(t, "mock-session-1", forced[0].SessionID)
	assert.Equal(t, types.ReasonStaleHeartbeat, forced[0].Reason)
	assert.Empty(t, mock.LiveSessions())

	run, err := runfiles.ReadRun(st.WorkDir(got))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runfiles.RunAbandoned, run.Status)

	events := taskEvents(t, st, "t-1", types.EventSessionForceComplete)
	require.Len(t, events, 1)
	assert.Equal(t, "mock-session-1", events[0].Payload["sessionId"])
	assert.Equal(t, types.ReasonStaleHeartbeat, events[0].Payload["reason"])
	assert.Equal(t, false, events[0].Payload["resultApplied"])
}

func TestPollStaleHeartbeatAppliesLeftBehindVerdict(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")
	mock.ResultOnForce(&runfiles.RunResult{
		Agent:   "dev-1",
		Outcome: runfiles.OutcomeComplete,
	})

	require.NoError(t, sched.Poll(context.Background()))
	got, err := st.Get("t-1")
	require.NoError(t, err)
	require.NoError(t, runfiles.WriteHeartbeat(st.WorkDir(got), &runfiles.Heartbeat{
		TaskID:    "t-1",
		AgentID:   "dev-1",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	require.NoError(t, sched.Poll(context.Background()))

	got, err = st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status,
		"a verdict the agent managed to write wins over plain reclaim")

	events := taskEvents(t, st, "t-1", types.EventSessionForceComplete)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["resultApplied"])
	completions := taskEvents(t, st, "t-1", types.EventTaskCompleted)
	assert.Len(t, completions, 1)
}

func TestPollClassifiesSpawnFailures(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-rl", "rate-agent")
	readyTask(t, st, "t-perm", "ghost")
	mock.FailAgent("rate-agent", errors.New("429 too many requests"))
	mock.FailAgent("ghost", errors.New("no such agent: ghost"))

	require.NoError(t, sched.Poll(context.Background()))

	rl, err := st.Get("t-rl")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, rl.Status)
	assert.Equal(t, string(ClassRateLimited), rl.Meta(types.MetaErrorClass))
	assert.Equal(t, string(ClassRateLimited), rl.Meta(types.MetaBlockReason))
	assert.Equal(t, "1", rl.Meta(types.MetaRetryCount))
	assert.Contains(t, rl.Meta(types.MetaLastError), "429")

	perm, err := st.Get("t-perm")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadletter, perm.Status)
	assert.Equal(t, string(ClassPermanent), perm.Meta(types.MetaErrorClass))

	for _, id := range []string{"t-rl", "t-perm"} {
		errs := taskEvents(t, st, id, types.EventDispatchError)
		require.Len(t, errs, 1, id)
		run, err := runfiles.ReadRun(st.WorkDir(mustGet(t, st, id)))
		require.NoError(t, err)
		require.NotNil(t, run, id)
		assert.Equal(t, runfiles.RunFailed, run.Status, id)
	}
}

func TestPollDeadlettersWhenRetriesExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	sched, mock, _, reg := newTestScheduler(t, cfg)
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "flaky")
	mock.FailAgent("flaky", errors.New("the platform shrugged"))

	require.NoError(t, sched.Poll(context.Background()))
	got, err := st.Get("t-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusBlocked, got.Status, "first unknown failure blocks")
	require.Equal(t, "1", got.Meta(types.MetaRetryCount))

	_, err = st.Unblock("t-1", "test")
	require.NoError(t, err)

	require.NoError(t, sched.Poll(context.Background()))
	got, err = st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadletter, got.Status, "retry budget spent")
	assert.Equal(t, "2", got.Meta(types.MetaRetryCount))

	moves := taskEvents(t, st, "t-1", types.EventTaskTransitioned)
	var reasons []string
	for _, e := range moves {
		reasons = append(reasons, e.Payload["reason"].(string))
	}
	assert.Contains(t, reasons, types.ReasonRetriesExhausted)
}

func TestPollPlatformLimitLowersCapWithoutRetryCharge(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")
	mock.SetPlatformLimit(2)

	require.NoError(t, sched.Poll(context.Background()))

	got, err := st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status, "task returns to ready")
	assert.Empty(t, got.Meta(types.MetaRetryCount), "platform pushback is not the task's fault")
	assert.Equal(t, 2, EffectiveCap())

	limits := taskEvents(t, st, "t-1", types.EventPlatformLimit)
	require.Len(t, limits, 1)
	assert.EqualValues(t, 2, limits[0].Payload["limit"])
	assert.Empty(t, taskEvents(t, st, "t-1", types.EventDispatchError),
		"platform limit is not a dispatch error")

	// The one-shot limit is gone; the next poll dispatches.
	require.NoError(t, sched.Poll(context.Background()))
	got, err = st.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, 2, EffectiveCap(), "the lowered cap persists")
}

func TestPollPromotesSatisfiedDependencies(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")

	readyTask(t, st, "dep", "dev-1")
	_, err := st.Create(store.CreateRequest{
		ID:        "child",
		Title:     "after dep",
		Routing:   types.Routing{Agent: "dev-2"},
		DependsOn: []string{"dep"},
		Actor:     "test",
	})
	require.NoError(t, err)
	_, err = st.CompleteLifecycle("dep", "test", "", false)
	require.NoError(t, err)

	require.NoError(t, sched.Poll(context.Background()))
	child, err := st.Get("child")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, child.Status,
		"promotion happens on the poll after the dependency finished")

	moves := taskEvents(t, st, "child", types.EventTaskTransitioned)
	require.NotEmpty(t, moves)
	assert.Equal(t, types.ReasonDependencySatisfied, moves[len(moves)-1].Payload["reason"])

	require.NoError(t, sched.Poll(context.Background()))
	child, err = st.Get("child")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, child.Status, "the next poll dispatches it")
	require.NotEmpty(t, mock.Calls())
	last := mock.Calls()[len(mock.Calls())-1]
	assert.Equal(t, "child", last.Context.TaskID)
	assert.Equal(t, "dev-2", last.Context.Agent)
}

func TestPollAppliesSLAPolicies(t *testing.T) {
	sched, _, sink, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")

	withSLA := func(action types.ViolationAction) func(*store.CreateRequest) {
		return func(req *store.CreateRequest) {
			req.Routing = types.Routing{}
			req.SLA = &types.SLA{
				MaxInStatusMs: map[types.Status]int64{types.StatusReady: 1},
				OnViolation:   action,
			}
		}
	}
	readyTask(t, st, "t-alert", "", withSLA(""))
	readyTask(t, st, "t-block", "", withSLA(types.ViolationBlock))
	readyTask(t, st, "t-dead", "", withSLA(types.ViolationDeadletter))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, sched.Poll(context.Background()))

	alert, err := st.Get("t-alert")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, alert.Status, "alert only notifies")
	assert.Equal(t, alert.LastTransitionAt.UTC().Format(time.RFC3339Nano),
		alert.Meta(types.MetaSLANotifiedAt))

	blocked, err := st.Get("t-block")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, blocked.Status)
	assert.Equal(t, types.ReasonSLAViolation, blocked.Meta(types.MetaBlockReason))

	dead, err := st.Get("t-dead")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadletter, dead.Status)

	assert.GreaterOrEqual(t, len(sink.Sent()), 3, "one notification per breach")

	// A second poll must not re-alert the same stay.
	require.NoError(t, sched.Poll(context.Background()))
	breaches := taskEvents(t, st, "t-alert", types.EventSLABreach)
	assert.Len(t, breaches, 1)
}

func TestPollSkipsCorruptCards(t *testing.T) {
	sched, mock, sink, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	created := readyTask(t, st, "t-torn", "dev-1")

	// Simulate a torn move: the same card filed under two statuses.
	src, err := os.Open(st.CardPath(created))
	require.NoError(t, err)
	defer src.Close()
	dupPath := filepath.Join(st.Root(), "tasks", string(types.StatusDone), "t-torn.md")
	dup, err := os.Create(dupPath)
	require.NoError(t, err)
	_, err = io.Copy(dup, src)
	require.NoError(t, err)
	require.NoError(t, dup.Close())

	require.NoError(t, sched.Poll(context.Background()))
	assert.Empty(t, mock.Calls(), "scheduler must not touch a torn task")

	crits := sink.Sent()
	require.Len(t, crits, 1)
	assert.Equal(t, notify.SeverityCritical, crits[0].Severity)
	assert.Equal(t, "t-torn", crits[0].TaskID)

	require.NoError(t, sched.Poll(context.Background()))
	assert.Len(t, sink.Sent(), 1, "escalation fires once per process, not per poll")
}

func TestPollThrottlesTeamAcrossPolls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDispatchInterval = time.Hour
	sched, mock, _, reg := newTestScheduler(t, cfg)
	st := openProject(t, reg, "demo")
	team := func(req *store.CreateRequest) { req.Routing.Team = "core" }
	readyTask(t, st, "t-1", "dev-1", team)
	readyTask(t, st, "t-2", "dev-2", team)

	require.NoError(t, sched.Poll(context.Background()))
	require.Len(t, mock.Calls(), 1, "one dispatch per team per interval")

	require.NoError(t, sched.Poll(context.Background()))
	assert.Len(t, mock.Calls(), 1, "the throttle persists across polls")
}

func TestPollSharesCapacityAcrossProjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentDispatches = 4
	sched, mock, _, reg := newTestScheduler(t, cfg)
	writeProjectDir(t, reg.Root(), "other")

	demo := openProject(t, reg, "demo")
	other := openProject(t, reg, "other")
	for i, st := range []*store.Store{demo, demo, demo, other, other, other} {
		readyTask(t, st, "t-"+string(rune('a'+i)), "dev-1")
	}

	require.NoError(t, sched.Poll(context.Background()))
	assert.Len(t, mock.Calls(), 4, "the concurrency cap spans projects")
}

func TestPollHonorsDraining(t *testing.T) {
	sched, mock, _, reg := newTestScheduler(t, DefaultConfig())
	st := openProject(t, reg, "demo")
	readyTask(t, st, "t-1", "dev-1")

	SetDraining(true)
	require.NoError(t, sched.Poll(context.Background()))
	assert.Empty(t, mock.Calls(), "a draining scheduler plans nothing")

	SetDraining(false)
	require.NoError(t, sched.Poll(context.Background()))
	assert.Len(t, mock.Calls(), 1)
}

func TestSchedulerStartStop(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)
	t.Cleanup(func() { _ = reg.Close() })

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	sched := New(reg, executor.NewNull(), notify.NewNull(), cfg)

	sched.Start()
	require.Eventually(t, func() bool { return !sched.LastPollAt().IsZero() },
		2*time.Second, 10*time.Millisecond, "the loop polls on its own")
	sched.Stop()

	last := sched.LastPollAt()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, last, sched.LastPollAt(), "no polls after Stop")
}

func mustGet(t *testing.T, st *store.Store, id string) *types.Task {
	t.Helper()
	got, err := st.Get(id)
	require.NoError(t, err)
	return got
}
