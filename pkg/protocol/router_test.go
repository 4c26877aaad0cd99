package protocol

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/delegation"
	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

const demoManifest = `id: demo
status: active
owner:
  team: core
  lead: lead-1
participants:
  - agent: dev-1
    team: core
    role: engineer
  - agent: dev-2
    team: core
    role: engineer
`

func writeProject(t *testing.T, root, id, manifest string) {
	t.Helper()
	dir := filepath.Join(root, "projects", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(manifest), 0o644))
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *registry.Registry) {
	t.Helper()
	root := t.TempDir()
	writeProject(t, root, "demo", demoManifest)
	reg := registry.New(root)
	t.Cleanup(func() { _ = reg.Close() })
	return NewRouter(reg, cfg), reg
}

func demoStore(t *testing.T, reg *registry.Registry) *store.Store {
	t.Helper()
	st, err := reg.Open("demo")
	require.NoError(t, err)
	return st
}

func makeTask(t *testing.T, st *store.Store, id, agent string, mut ...func(*store.CreateRequest)) *types.Task {
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
	return created
}

func leaseTask(t *testing.T, st *store.Store, id, agent string) *types.Task {
	t.Helper()
	task := makeTask(t, st, id, agent)
	_, err := st.Transition(task.ID, types.StatusReady, store.TransitionOptions{Actor: "test"})
	require.NoError(t, err)
	leased, err := st.AcquireLease(task.ID, agent, time.Minute)
	require.NoError(t, err)
	return leased
}

func envelope(t *testing.T, typ, taskID, from string, payload any) *Envelope {
	t.Helper()
	env := &Envelope{
		Protocol:  ProtocolName,
		Version:   ProtocolVersion,
		ProjectID: "demo",
		Type:      typ,
		TaskID:    taskID,
		FromAgent: from,
		SentAt:    time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = data
	}
	return env
}

func rejectedEvents(t *testing.T, st *store.Store, taskID string) []*types.Event {
	t.Helper()
	events, err := st.Events().Query(eventlog.Filter{TaskID: taskID, Types: []string{types.EventProtocolRejected}})
	require.NoError(t, err)
	return events
}

func TestHandleRejectsInvalidEnvelope(t *testing.T) {
	router, _ := newTestRouter(t, Config{})

	env := envelope(t, TypeStatusUpdate, "t-1", "dev-1", nil)
	env.Protocol = "mcp"

	err := router.Handle(env)
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidEnvelope, rej.Reason)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestHandleRejectsUnknownProject(t *testing.T) {
	router, _ := newTestRouter(t, Config{})

	env := envelope(t, TypeStatusUpdate, "t-1", "dev-1", nil)
	env.ProjectID = "ghost"

	err := router.Handle(env)
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidProjectID, rej.Reason)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestHandleRejectsMissingTask(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)

	err := router.Handle(envelope(t, TypeStatusUpdate, "20250101-000000-aaaaaa", "dev-1", nil))
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonTaskNotFound, rej.Reason)

	events := rejectedEvents(t, st, "20250101-000000-aaaaaa")
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTaskNotFound, events[0].Payload["reason"])
}

func TestStatusUpdateTransitionsAndJournals(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := makeTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeStatusUpdate, task.ID, "dev-1", StatusUpdate{
		Status:  string(types.StatusReady),
		WorkLog: "picked this up, starting with the parser",
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Contains(t, got.Body, "picked this up, starting with the parser")
	assert.Contains(t, got.Body, "dev-1")
}

func TestStatusUpdateSameStatusIsNoOp(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := makeTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeStatusUpdate, task.ID, "dev-1", StatusUpdate{
		Status: string(types.StatusBacklog),
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBacklog, got.Status)
}

func TestStatusUpdateUnauthorized(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := makeTask(t, st, "t-1", "dev-2")

	err := router.Handle(envelope(t, TypeStatusUpdate, task.ID, "dev-1", StatusUpdate{
		Status: string(types.StatusReady),
	}))
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonUnauthorized, rej.Reason)
	assert.True(t, errdefs.IsPermissionDenied(err))

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBacklog, got.Status, "a rejected update must not move the task")

	events := rejectedEvents(t, st, task.ID)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonUnauthorized, events[0].Payload["reason"])
}

func TestStatusUpdateLeadMayAct(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := makeTask(t, st, "t-1", "dev-2")

	err := router.Handle(envelope(t, TypeStatusUpdate, task.ID, "lead-1", StatusUpdate{
		Status: string(types.StatusReady),
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
}

func TestStatusUpdateLeaseHolderMayAct(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := makeTask(t, st, "t-1", "")
	_, err := st.Transition(task.ID, types.StatusReady, store.TransitionOptions{Actor: "test"})
	require.NoError(t, err)
	_, err = st.AcquireLease(task.ID, "dev-1", time.Minute)
	require.NoError(t, err)

	err = router.Handle(envelope(t, TypeStatusUpdate, task.ID, "dev-1", StatusUpdate{
		WorkLog: "halfway through",
	}))
	require.NoError(t, err)

	err = router.Handle(envelope(t, TypeStatusUpdate, task.ID, "dev-2", StatusUpdate{
		WorkLog: "sneaking in",
	}))
	require.Error(t, err, "a leased task only accepts its holder")
	assert.True(t, errdefs.IsPermissionDenied(err))
}

func TestStatusUpdateBlockCascadeOff(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	parent := leaseTask(t, st, "t-parent", "dev-1")
	child := makeTask(t, st, "t-child", "", func(req *store.CreateRequest) {
		req.DependsOn = []string{parent.ID}
	})

	err := router.Handle(envelope(t, TypeStatusUpdate, parent.ID, "dev-1", StatusUpdate{
		Status:   string(types.StatusBlocked),
		Blockers: []string{"waiting on upstream api"},
	}))
	require.NoError(t, err)

	gotParent, err := st.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, gotParent.Status)
	assert.Equal(t, "waiting on upstream api", gotParent.Meta(types.MetaBlockReason))

	gotChild, err := st.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBacklog, gotChild.Status, "cascade is opt-in")
}

func TestStatusUpdateBlockCascadeOn(t *testing.T) {
	router, reg := newTestRouter(t, Config{CascadeBlocks: true})
	st := demoStore(t, reg)
	parent := leaseTask(t, st, "t-parent", "dev-1")
	child := makeTask(t, st, "t-child", "", func(req *store.CreateRequest) {
		req.DependsOn = []string{parent.ID}
	})
	done := makeTask(t, st, "t-done", "", func(req *store.CreateRequest) {
		req.DependsOn = []string{parent.ID}
	})
	_, err := st.Cancel(done.ID, "test", "out of scope")
	require.NoError(t, err)

	err = router.Handle(envelope(t, TypeStatusUpdate, parent.ID, "dev-1", StatusUpdate{
		Status:   string(types.StatusBlocked),
		Blockers: []string{"waiting on upstream api"},
	}))
	require.NoError(t, err)

	gotChild, err := st.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, gotChild.Status)
	assert.Equal(t, "upstream blocked: "+parent.ID, gotChild.Meta(types.MetaBlockReason))

	gotDone, err := st.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, gotDone.Status, "cascade only touches waiting dependents")

	cascaded, err := st.Events().Query(eventlog.Filter{Types: []string{types.EventDependencyCascade}})
	require.NoError(t, err)
	require.Len(t, cascaded, 1)
	assert.Equal(t, child.ID, cascaded[0].TaskID)
	assert.Equal(t, parent.ID, cascaded[0].Payload["upstream"])
}

func TestCompletionReportCompletes(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := leaseTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeCompletionReport, task.ID, "dev-1", CompletionReport{
		Outcome:      string(runfiles.OutcomeComplete),
		SummaryRef:   "outputs/summary.md",
		Deliverables: []string{"outputs/report.md"},
		Tests:        &runfiles.TestSummary{Total: 12, Passed: 12},
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)

	res, err := runfiles.ReadResult(st.WorkDir(got))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, runfiles.OutcomeComplete, res.Outcome)
	assert.Equal(t, "outputs/summary.md", res.SummaryRef)

	completed, err := st.Events().Query(eventlog.Filter{TaskID: task.ID, Types: []string{types.EventTaskCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "complete", completed[0].Payload["outcome"])
}

func TestCompletionReportRequireReview(t *testing.T) {
	router, reg := newTestRouter(t, Config{RequireReview: true})
	st := demoStore(t, reg)
	task := leaseTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeCompletionReport, task.ID, "dev-1", CompletionReport{
		Outcome: string(runfiles.OutcomeComplete),
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, got.Status)
}

func TestCompletionReportBlockedOutcome(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := leaseTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeCompletionReport, task.ID, "dev-1", CompletionReport{
		Outcome:  string(runfiles.OutcomeBlocked),
		Blockers: []string{"missing credentials"},
	}))
	require.NoError(t, err)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, got.Status)
	assert.Equal(t, "missing credentials", got.Meta(types.MetaBlockReason))
}

func TestCompletionReportBadOutcome(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	task := leaseTask(t, st, "t-1", "dev-1")

	err := router.Handle(envelope(t, TypeCompletionReport, task.ID, "dev-1", CompletionReport{
		Outcome: "victory",
	}))
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidPayload, rej.Reason)
}

func TestHandoffRequestReroutesChild(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	parent := makeTask(t, st, "t-parent", "dev-1")
	child := makeTask(t, st, "t-child", "", func(req *store.CreateRequest) {
		req.ParentID = parent.ID
	})

	due := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	err := router.Handle(envelope(t, TypeHandoffRequest, child.ID, "dev-1", HandoffRequest{
		TaskID:             child.ID,
		ParentTaskID:       parent.ID,
		ToAgent:            "dev-2",
		AcceptanceCriteria: []string{"tests pass", "docs updated"},
		ExpectedOutputs:    []string{"outputs/patch.diff"},
		DueBy:              due,
	}))
	require.NoError(t, err)

	got, err := st.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-2", got.Routing.Agent)
	assert.Equal(t, 1, got.DelegationDepth())

	pack, err := delegation.ReadHandoff(st, child.ID)
	require.NoError(t, err)
	require.NotNil(t, pack)
	assert.Equal(t, parent.ID, pack.ParentTaskID)
	assert.Equal(t, "dev-2", pack.ToAgent)
	assert.Equal(t, []string{"tests pass", "docs updated"}, pack.AcceptanceCriteria)

	md, err := os.ReadFile(filepath.Join(st.WorkDir(got), "inputs", "handoff.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "tests pass")

	requested, err := st.Events().Query(eventlog.Filter{TaskID: child.ID, Types: []string{types.EventDelegationRequested}})
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, "dev-2", requested[0].Payload["toAgent"])
}

func TestHandoffRequestDepthCap(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	parent := makeTask(t, st, "t-parent", "dev-1", func(req *store.CreateRequest) {
		req.Metadata = map[string]string{types.MetaDelegationDepth: "1"}
	})
	child := makeTask(t, st, "t-child", "", func(req *store.CreateRequest) {
		req.ParentID = parent.ID
	})

	err := router.Handle(envelope(t, TypeHandoffRequest, child.ID, "dev-1", HandoffRequest{
		TaskID:       child.ID,
		ParentTaskID: parent.ID,
		ToAgent:      "dev-2",
	}))
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNestedDelegation, rej.Reason)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	got, err := st.Get(child.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Routing.Agent, "a refused handoff must not reroute the child")

	rejected, err := st.Events().Query(eventlog.Filter{TaskID: child.ID, Types: []string{types.EventDelegationRejected}})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonNestedDelegation, rejected[0].Payload["reason"])
}

func TestHandoffRequestPayloadMismatch(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	parent := makeTask(t, st, "t-parent", "dev-1")
	child := makeTask(t, st, "t-child", "", func(req *store.CreateRequest) {
		req.ParentID = parent.ID
	})

	err := router.Handle(envelope(t, TypeHandoffRequest, child.ID, "dev-1", HandoffRequest{
		TaskID:       "t-other",
		ParentTaskID: parent.ID,
		ToAgent:      "dev-2",
	}))
	require.Error(t, err)
	rej := AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalidPayload, rej.Reason)
}

func TestHandoffDecisionReceiverOnly(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	child := makeTask(t, st, "t-child", "dev-2")

	err := router.Handle(envelope(t, TypeHandoffAccepted, child.ID, "dev-1", HandoffDecision{}))
	require.Error(t, err, "only the receiving agent may acknowledge")
	assert.True(t, errdefs.IsPermissionDenied(err))

	err = router.Handle(envelope(t, TypeHandoffAccepted, child.ID, "dev-2", HandoffDecision{}))
	require.NoError(t, err)

	accepted, err := st.Events().Query(eventlog.Filter{TaskID: child.ID, Types: []string{types.EventDelegationAccepted}})
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}

func TestHandoffRejectedBlocksChild(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)
	child := makeTask(t, st, "t-child", "dev-2")

	err := router.Handle(envelope(t, TypeHandoffRejected, child.ID, "dev-2", HandoffDecision{
		Reason: "out of my depth, needs a database owner",
	}))
	require.NoError(t, err)

	got, err := st.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, got.Status)
	assert.Equal(t, "out of my depth, needs a database owner", got.Meta(types.MetaBlockReason))

	rejected, err := st.Events().Query(eventlog.Filter{TaskID: child.ID, Types: []string{types.EventDelegationRejected}})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
}

func TestHandleSessionEnded(t *testing.T) {
	router, reg := newTestRouter(t, Config{})
	st := demoStore(t, reg)

	finished := leaseTask(t, st, "t-finished", "dev-1")
	_, err := st.Update(finished.ID, store.UpdateOptions{
		Actor:    "test",
		Metadata: map[string]string{types.MetaSessionID: "sess-1"},
	})
	require.NoError(t, err)
	workDir, err := st.EnsureWorkDir(finished.ID)
	require.NoError(t, err)
	require.NoError(t, runfiles.WriteResult(workDir, &runfiles.RunResult{
		TaskID:  finished.ID,
		Agent:   "dev-1",
		Outcome: runfiles.OutcomeComplete,
	}))

	silent := leaseTask(t, st, "t-silent", "dev-2")
	_, err = st.Update(silent.ID, store.UpdateOptions{
		Actor:    "test",
		Metadata: map[string]string{types.MetaSessionID: "sess-2"},
	})
	require.NoError(t, err)

	n, err := router.HandleSessionEnded("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Get(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)

	untouched, err := st.Get(silent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, untouched.Status,
		"a session without a durable verdict is left for lease expiry")
}
