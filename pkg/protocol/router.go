package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/delegation"
	"github.com/seldon-engine/aof/pkg/locks"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// actorRouter is recorded on events the router emits on its own behalf,
// when no agent identity applies.
const actorRouter = "router"

// Config holds router policy knobs.
type Config struct {
	// CascadeBlocks propagates a block to direct dependents still waiting
	// in backlog or ready. Off unless an operator turns it on.
	CascadeBlocks bool

	// RequireReview routes complete outcomes through review instead of
	// straight to done.
	RequireReview bool
}

// Rejection is a refusal the router returns to the sender and records in
// the event log. It wraps an errdefs sentinel so transports can branch on
// the class without string matching.
type Rejection struct {
	Reason string
	Detail string
	cause  error
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason
	}
	return r.Reason + ": " + r.Detail
}

func (r *Rejection) Unwrap() error { return r.cause }

func reject(reason string, cause error, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// AsRejection unwraps err to the router's rejection, nil when err is some
// other failure.
func AsRejection(err error) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

// Router validates inbound envelopes and applies them to project stores.
// All mutations for one task run under a per-task lock held for the whole
// handler, so two concurrent envelopes for the same task never interleave.
type Router struct {
	reg    *registry.Registry
	locks  *locks.Manager
	cfg    Config
	wake   func()
	logger zerolog.Logger
}

// NewRouter creates a router over the project registry.
func NewRouter(reg *registry.Registry, cfg Config) *Router {
	return &Router{
		reg:    reg,
		locks:  locks.NewManager(),
		cfg:    cfg,
		logger: log.WithComponent("protocol"),
	}
}

// OnDispatch registers fn to run whenever the tool API makes a task
// dispatchable. The daemon points this at the scheduler's Wake so a
// dispatch request does not wait out the poll interval.
func (r *Router) OnDispatch(fn func()) { r.wake = fn }

// Handle runs one envelope through the pipeline: validate, resolve the
// project, load the task, lock, dispatch on type. Rejections are recorded
// in the project event log and returned to the caller.
func (r *Router) Handle(env *Envelope) error {
	err := r.dispatch(env)
	label := typeLabel(env)
	switch rej := AsRejection(err); {
	case err == nil:
		metrics.ProtocolMessagesTotal.WithLabelValues(label, "accepted").Inc()
	case rej != nil:
		metrics.ProtocolMessagesTotal.WithLabelValues(label, "rejected").Inc()
		r.recordRejection(env, rej)
	default:
		metrics.ProtocolMessagesTotal.WithLabelValues(label, "error").Inc()
	}
	return err
}

func (r *Router) dispatch(env *Envelope) error {
	if env == nil {
		return reject(ReasonInvalidEnvelope, errdefs.ErrInvalidArgument, "empty envelope")
	}
	if err := env.Validate(); err != nil {
		return reject(ReasonInvalidEnvelope, err, "%v", err)
	}
	st, err := r.reg.Open(env.ProjectID)
	if err != nil {
		return reject(ReasonInvalidProjectID, err, "project %s", env.ProjectID)
	}
	manifest, err := r.reg.Manifest(env.ProjectID)
	if err != nil {
		return reject(ReasonInvalidProjectID, err, "project %s manifest", env.ProjectID)
	}

	return r.locks.WithLock(lockKey(env.ProjectID, env.TaskID), func() error {
		t, err := st.Get(env.TaskID)
		if errdefs.IsNotFound(err) {
			return reject(ReasonTaskNotFound, err, "task %s", env.TaskID)
		}
		if err != nil {
			return err
		}
		switch env.Type {
		case TypeStatusUpdate:
			return r.handleStatusUpdate(st, manifest, env, t)
		case TypeCompletionReport:
			return r.handleCompletionReport(st, manifest, env, t)
		case TypeHandoffRequest:
			return r.handleHandoffRequest(st, manifest, env, t)
		case TypeHandoffAccepted:
			return r.handleHandoffDecision(st, env, t, true)
		case TypeHandoffRejected:
			return r.handleHandoffDecision(st, env, t, false)
		default:
			return reject(ReasonInvalidEnvelope, errdefs.ErrInvalidArgument, "unhandled type %s", env.Type)
		}
	})
}

// handleStatusUpdate applies an agent's progress report: optional work-log
// append, optional transition, optional block cascade.
func (r *Router) handleStatusUpdate(st *store.Store, manifest *types.Project, env *Envelope, t *types.Task) error {
	var p StatusUpdate
	if err := decodePayload(env, &p); err != nil {
		return reject(ReasonInvalidPayload, err, "%v", err)
	}
	agent := env.FromAgent
	if p.AgentID != "" {
		agent = p.AgentID
	}
	if !canAct(t, manifest, agent) {
		return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
			"agent %s may not act on task %s", agent, t.ID)
	}

	if p.WorkLog != "" {
		if _, err := st.AppendWorkLog(t.ID, agent, p.WorkLog); err != nil {
			return err
		}
	}
	if p.Status == "" || types.Status(p.Status) == t.Status {
		return nil
	}
	to := types.Status(p.Status)
	if !to.Valid() {
		return reject(ReasonInvalidPayload, errdefs.ErrInvalidArgument, "unknown status %q", p.Status)
	}

	var moved *types.Task
	var err error
	if to == types.StatusBlocked {
		moved, err = st.Block(t.ID, agent, strings.Join(p.Blockers, "; "))
	} else {
		moved, err = st.Transition(t.ID, to, store.TransitionOptions{Actor: agent, Reason: types.ReasonManual})
	}
	if err != nil {
		return err
	}
	if moved.Status == types.StatusBlocked && r.cfg.CascadeBlocks {
		r.cascadeBlock(st, moved, agent)
	}
	return nil
}

// cascadeBlock blocks every direct dependent still waiting in backlog or
// ready, one dependency.cascaded event per child. Failures are logged and
// skipped; the parent's own block already succeeded.
func (r *Router) cascadeBlock(st *store.Store, parent *types.Task, actor string) {
	children, err := st.Dependents(parent.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", parent.ID).Msg("could not list dependents")
		return
	}
	reason := fmt.Sprintf("upstream blocked: %s", parent.ID)
	for _, child := range children {
		if child.Status != types.StatusBacklog && child.Status != types.StatusReady {
			continue
		}
		if _, err := st.Block(child.ID, actor, reason); err != nil {
			r.logger.Warn().Err(err).Str("task_id", child.ID).Msg("cascade block failed")
			continue
		}
		st.Events().Record(&types.Event{
			Type:   types.EventDependencyCascade,
			TaskID: child.ID,
			Actor:  actor,
			Payload: map[string]any{
				"upstream": parent.ID,
				"reason":   reason,
			},
		})
	}
}

// handleCompletionReport persists the agent's verdict as run_result.json,
// then applies it. Durability first: a crash between the two leaves the
// verdict on disk for the session-end sweep.
func (r *Router) handleCompletionReport(st *store.Store, manifest *types.Project, env *Envelope, t *types.Task) error {
	var p CompletionReport
	if err := decodePayload(env, &p); err != nil {
		return reject(ReasonInvalidPayload, err, "%v", err)
	}
	agent := env.FromAgent
	if !canAct(t, manifest, agent) {
		return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
			"agent %s may not act on task %s", agent, t.ID)
	}
	outcome := runfiles.Outcome(p.Outcome)
	if !outcome.Valid() {
		return reject(ReasonInvalidPayload, errdefs.ErrInvalidArgument, "unknown outcome %q", p.Outcome)
	}
	res := &runfiles.RunResult{
		TaskID:       t.ID,
		Agent:        agent,
		Outcome:      outcome,
		SummaryRef:   p.SummaryRef,
		Deliverables: p.Deliverables,
		Tests:        p.Tests,
		Blockers:     p.Blockers,
		Notes:        p.Notes,
		ReportedAt:   time.Now().UTC(),
	}
	return r.applyResult(st, t.ID, res, agent)
}

func (r *Router) applyResult(st *store.Store, id string, res *runfiles.RunResult, actor string) error {
	workDir, err := st.EnsureWorkDir(id)
	if err != nil {
		return err
	}
	if err := runfiles.WriteResult(workDir, res); err != nil {
		return err
	}
	_, err = st.ApplyRunResult(id, res, actor, r.cfg.RequireReview)
	return err
}

// handleHandoffRequest reroutes the child task to the requested agent and
// writes the handoff pack under its working directory. Delegation depth is
// capped at one: a task that is itself delegated work cannot hand off.
func (r *Router) handleHandoffRequest(st *store.Store, manifest *types.Project, env *Envelope, child *types.Task) error {
	var p HandoffRequest
	if err := decodePayload(env, &p); err != nil {
		return reject(ReasonInvalidPayload, err, "%v", err)
	}
	if p.TaskID != env.TaskID {
		return reject(ReasonInvalidPayload, errdefs.ErrInvalidArgument,
			"payload taskId %q does not match envelope taskId %q", p.TaskID, env.TaskID)
	}
	if p.ParentTaskID == "" {
		return reject(ReasonInvalidPayload, errdefs.ErrInvalidArgument, "missing parentTaskId")
	}
	toAgent := p.ToAgent
	if toAgent == "" {
		toAgent = env.ToAgent
	}
	if toAgent == "" {
		return reject(ReasonInvalidPayload, errdefs.ErrInvalidArgument, "missing toAgent")
	}

	parent, err := st.Get(p.ParentTaskID)
	if errdefs.IsNotFound(err) {
		return reject(ReasonTaskNotFound, err, "parent task %s", p.ParentTaskID)
	}
	if err != nil {
		return err
	}
	if !canAct(parent, manifest, env.FromAgent) {
		return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
			"agent %s may not delegate task %s", env.FromAgent, parent.ID)
	}

	depth := parent.DelegationDepth() + 1
	if depth > 1 {
		st.Events().Record(&types.Event{
			Type:   types.EventDelegationRejected,
			TaskID: child.ID,
			Actor:  env.FromAgent,
			Payload: map[string]any{
				"reason":       ReasonNestedDelegation,
				"parentTaskId": parent.ID,
			},
		})
		return reject(ReasonNestedDelegation, errdefs.ErrFailedPrecondition,
			"parent %s is already delegated work", parent.ID)
	}

	routing := child.Routing
	routing.Agent = toAgent
	if _, err := st.Update(child.ID, store.UpdateOptions{
		Actor:    env.FromAgent,
		Routing:  &routing,
		Metadata: map[string]string{types.MetaDelegationDepth: strconv.Itoa(depth)},
	}); err != nil {
		return err
	}

	h := &delegation.Handoff{
		ParentTaskID:       parent.ID,
		TaskID:             child.ID,
		FromAgent:          env.FromAgent,
		ToAgent:            toAgent,
		AcceptanceCriteria: p.AcceptanceCriteria,
		ExpectedOutputs:    p.ExpectedOutputs,
		ContextRefs:        p.ContextRefs,
		Constraints:        p.Constraints,
		DueBy:              p.DueBy,
		CreatedAt:          time.Now().UTC(),
	}
	if _, err := delegation.WriteHandoff(st, child.ID, h); err != nil {
		return err
	}

	st.Events().Record(&types.Event{
		Type:   types.EventDelegationRequested,
		TaskID: child.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"parentTaskId": parent.ID,
			"toAgent":      toAgent,
			"depth":        depth,
		},
	})
	r.logger.Info().Str("task_id", child.ID).Str("parent_id", parent.ID).
		Str("to_agent", toAgent).Msg("handoff requested")
	return nil
}

// handleHandoffDecision records the receiving agent's answer. Only the
// agent the child is routed to may acknowledge.
func (r *Router) handleHandoffDecision(st *store.Store, env *Envelope, t *types.Task, accepted bool) error {
	var p HandoffDecision
	if err := decodePayload(env, &p); err != nil {
		return reject(ReasonInvalidPayload, err, "%v", err)
	}
	if t.Routing.Agent == "" || env.FromAgent != t.Routing.Agent {
		return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
			"agent %s is not the assignee of task %s", env.FromAgent, t.ID)
	}

	if accepted {
		st.Events().Record(&types.Event{
			Type:   types.EventDelegationAccepted,
			TaskID: t.ID,
			Actor:  env.FromAgent,
			Payload: map[string]any{
				"reason": p.Reason,
			},
		})
		return nil
	}

	reason := p.Reason
	if reason == "" {
		reason = types.ReasonHandoffRejected
	}
	if _, err := st.Block(t.ID, env.FromAgent, reason); err != nil {
		return err
	}
	st.Events().Record(&types.Event{
		Type:   types.EventDelegationRejected,
		TaskID: t.ID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"reason": reason,
		},
	})
	return nil
}

// HandleSessionEnded finalizes in-progress tasks whose agent session ended
// out of band. Any durable run_result.json is applied as the agent's
// verdict; tasks without one are left for lease expiry to reclaim. An
// empty session id sweeps every in-progress task. Returns the number of
// tasks finalized.
func (r *Router) HandleSessionEnded(sessionID string) (int, error) {
	records, err := r.reg.Projects(false)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for _, rec := range records {
		if rec.Err != nil {
			continue
		}
		st, err := r.reg.Open(rec.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("could not open project")
			continue
		}
		tasks, err := st.List(store.Filter{Statuses: []types.Status{types.StatusInProgress}})
		if err != nil {
			r.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("could not list in-progress tasks")
			continue
		}
		for _, t := range tasks {
			if sessionID != "" && t.Meta(types.MetaSessionID) != sessionID {
				continue
			}
			res, err := runfiles.ReadResult(st.WorkDir(t))
			if err != nil {
				r.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not read run result")
				continue
			}
			if res == nil {
				continue
			}
			actor := res.Agent
			if actor == "" {
				actor = actorRouter
			}
			err = r.locks.WithLock(lockKey(rec.ID, t.ID), func() error {
				_, err := st.ApplyRunResult(t.ID, res, actor, r.cfg.RequireReview)
				return err
			})
			if err != nil {
				r.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not apply run result")
				continue
			}
			finalized++
		}
	}
	return finalized, nil
}

// recordRejection appends protocol.message.rejected to the target
// project's log. Unresolvable projects only get the daemon log line.
func (r *Router) recordRejection(env *Envelope, rej *Rejection) {
	if env == nil {
		return
	}
	r.logger.Warn().Str("type", env.Type).Str("task_id", env.TaskID).
		Str("from_agent", env.FromAgent).Str("reason", rej.Reason).
		Str("detail", rej.Detail).Msg("envelope rejected")

	events, err := r.reg.Events(env.ProjectID)
	if err != nil {
		return
	}
	events.Record(&types.Event{
		Type:   types.EventProtocolRejected,
		TaskID: env.TaskID,
		Actor:  env.FromAgent,
		Payload: map[string]any{
			"reason": rej.Reason,
			"detail": rej.Detail,
			"type":   env.Type,
		},
	})
}

// canAct reports whether agent may mutate the task. The routed agent, the
// active lease holder, and the project lead all qualify; a task with
// neither routing nor a live lease is open.
func canAct(t *types.Task, manifest *types.Project, agent string) bool {
	now := time.Now().UTC()
	if t.Routing.Agent == "" && !t.LeaseActive(now) {
		return true
	}
	if agent == "" {
		return false
	}
	if t.Routing.Agent == agent {
		return true
	}
	if t.LeaseActive(now) && t.Lease.Agent == agent {
		return true
	}
	if manifest != nil && manifest.Owner.Lead != "" && manifest.Owner.Lead == agent {
		return true
	}
	return false
}

func lockKey(projectID, taskID string) string {
	return projectID + "/" + taskID
}

// typeLabel bounds metric cardinality: unknown envelope types all land in
// one bucket.
func typeLabel(env *Envelope) string {
	if env == nil {
		return "unknown"
	}
	switch env.Type {
	case TypeStatusUpdate, TypeCompletionReport, TypeHandoffRequest, TypeHandoffAccepted, TypeHandoffRejected:
		return env.Type
	default:
		return "unknown"
	}
}
