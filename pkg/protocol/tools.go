package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// ToolResult is the envelope every tool call returns. Summary is one line
// for a human operator; Meta carries machine-readable identifiers.
type ToolResult struct {
	Summary  string            `json:"summary"`
	Details  string            `json:"details,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

func taskMeta(t *types.Task) map[string]string {
	return map[string]string{
		"taskId": t.ID,
		"status": string(t.Status),
	}
}

// CreateParams parameterizes ToolCreate.
type CreateParams struct {
	ProjectID string            `json:"projectId"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	ParentID  string            `json:"parentId,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Team      string            `json:"team,omitempty"`
	Role      string            `json:"role,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Gates     []string          `json:"gates,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Actor     string            `json:"actor,omitempty"`
}

// ToolCreate files a new task card. Tasks land in backlog; the scheduler
// or an explicit dispatch promotes them.
func (r *Router) ToolCreate(p CreateParams) (*ToolResult, error) {
	st, err := r.reg.Open(p.ProjectID)
	if err != nil {
		return nil, err
	}
	priority := types.PriorityNormal
	if p.Priority != "" {
		priority = types.Priority(p.Priority)
		if !priority.Valid() {
			return nil, fmt.Errorf("unknown priority %q: %w", p.Priority, errdefs.ErrInvalidArgument)
		}
	}
	actor := p.Actor
	if actor == "" {
		actor = actorRouter
	}

	t, err := st.Create(store.CreateRequest{
		Title:     p.Title,
		Body:      p.Body,
		Priority:  priority,
		ParentID:  p.ParentID,
		DependsOn: p.DependsOn,
		Routing:   types.Routing{Agent: p.Agent, Team: p.Team, Role: p.Role, Tags: p.Tags},
		Gates:     p.Gates,
		Metadata:  p.Metadata,
		Actor:     actor,
	})
	if err != nil {
		return nil, err
	}

	res := &ToolResult{
		Summary: fmt.Sprintf("Created task %s: %s", t.ID, t.Title),
		Details: st.CardPath(t),
		Meta:    taskMeta(t),
	}
	if manifest, err := r.reg.Manifest(p.ProjectID); err == nil {
		if manifest.ResolveAgent(t.Routing) == "" {
			res.Warnings = append(res.Warnings,
				"no agent resolves for this routing; the task will wait in backlog")
		}
	}
	return res, nil
}

// UpdateParams parameterizes ToolUpdate. Pointer fields distinguish "leave
// alone" from "set empty". Status, when set, requests a transition after
// the field edits.
type UpdateParams struct {
	ProjectID string            `json:"projectId"`
	TaskID    string            `json:"taskId"`
	Actor     string            `json:"actor,omitempty"`
	Title     *string           `json:"title,omitempty"`
	Body      *string           `json:"body,omitempty"`
	Priority  *string           `json:"priority,omitempty"`
	Agent     *string           `json:"agent,omitempty"`
	Status    string            `json:"status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	WorkLog   string            `json:"workLog,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToolUpdate edits a task card. Assigned tasks only accept edits from
// their agent or the project lead.
func (r *Router) ToolUpdate(p UpdateParams) (*ToolResult, error) {
	st, err := r.reg.Open(p.ProjectID)
	if err != nil {
		return nil, err
	}
	manifest, err := r.reg.Manifest(p.ProjectID)
	if err != nil {
		return nil, err
	}

	var out *ToolResult
	err = r.locks.WithLock(lockKey(p.ProjectID, p.TaskID), func() error {
		t, err := st.Get(p.TaskID)
		if err != nil {
			return err
		}
		if !canAct(t, manifest, p.Actor) {
			return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
				"agent %s may not update task %s", p.Actor, t.ID)
		}

		opts := store.UpdateOptions{
			Actor:    p.Actor,
			Title:    p.Title,
			Body:     p.Body,
			Metadata: p.Metadata,
		}
		if p.Priority != nil {
			priority := types.Priority(*p.Priority)
			if !priority.Valid() {
				return fmt.Errorf("unknown priority %q: %w", *p.Priority, errdefs.ErrInvalidArgument)
			}
			opts.Priority = &priority
		}
		if p.Agent != nil {
			routing := t.Routing
			routing.Agent = *p.Agent
			opts.Routing = &routing
		}

		var changed []string
		if opts.Title != nil || opts.Body != nil || opts.Priority != nil ||
			opts.Routing != nil || len(opts.Metadata) > 0 {
			if t, err = st.Update(t.ID, opts); err != nil {
				return err
			}
			changed = append(changed, "fields")
		}
		if p.WorkLog != "" {
			if t, err = st.AppendWorkLog(t.ID, p.Actor, p.WorkLog); err != nil {
				return err
			}
			changed = append(changed, "work log")
		}
		if p.Status != "" && types.Status(p.Status) != t.Status {
			reason := p.Reason
			if reason == "" {
				reason = types.ReasonManual
			}
			if t, err = st.Transition(t.ID, types.Status(p.Status), store.TransitionOptions{
				Actor:  p.Actor,
				Reason: reason,
			}); err != nil {
				return err
			}
			changed = append(changed, fmt.Sprintf("status -> %s", t.Status))
		}

		summary := fmt.Sprintf("Updated task %s", t.ID)
		if len(changed) > 0 {
			summary = fmt.Sprintf("Updated task %s (%s)", t.ID, strings.Join(changed, ", "))
		}
		out = &ToolResult{Summary: summary, Meta: taskMeta(t)}
		return nil
	})
	if err != nil {
		if rej := AsRejection(err); rej != nil {
			r.recordToolRejection(p.ProjectID, p.TaskID, p.Actor, rej)
		}
		return nil, err
	}
	return out, nil
}

// CompleteParams parameterizes ToolComplete. Outcome defaults to complete.
type CompleteParams struct {
	ProjectID    string                `json:"projectId"`
	TaskID       string                `json:"taskId"`
	Actor        string                `json:"actor,omitempty"`
	Outcome      string                `json:"outcome,omitempty"`
	SummaryRef   string                `json:"summaryRef,omitempty"`
	Deliverables []string              `json:"deliverables,omitempty"`
	Tests        *runfiles.TestSummary `json:"tests,omitempty"`
	Blockers     []string              `json:"blockers,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// ToolComplete records the caller's verdict on a task, the tool-call twin
// of a completion.report envelope: run_result.json first, then the
// lifecycle move.
func (r *Router) ToolComplete(p CompleteParams) (*ToolResult, error) {
	st, err := r.reg.Open(p.ProjectID)
	if err != nil {
		return nil, err
	}
	manifest, err := r.reg.Manifest(p.ProjectID)
	if err != nil {
		return nil, err
	}
	outcome := runfiles.OutcomeComplete
	if p.Outcome != "" {
		outcome = runfiles.Outcome(p.Outcome)
		if !outcome.Valid() {
			return nil, fmt.Errorf("unknown outcome %q: %w", p.Outcome, errdefs.ErrInvalidArgument)
		}
	}

	var out *ToolResult
	err = r.locks.WithLock(lockKey(p.ProjectID, p.TaskID), func() error {
		t, err := st.Get(p.TaskID)
		if err != nil {
			return err
		}
		if !canAct(t, manifest, p.Actor) {
			return reject(ReasonUnauthorized, errdefs.ErrPermissionDenied,
				"agent %s may not complete task %s", p.Actor, t.ID)
		}
		res := &runfiles.RunResult{
			TaskID:       t.ID,
			Agent:        p.Actor,
			Outcome:      outcome,
			SummaryRef:   p.SummaryRef,
			Deliverables: p.Deliverables,
			Tests:        p.Tests,
			Blockers:     p.Blockers,
			Notes:        p.Notes,
			ReportedAt:   time.Now().UTC(),
		}
		if err := r.applyResult(st, t.ID, res, p.Actor); err != nil {
			return err
		}
		t, err = st.Get(t.ID)
		if err != nil {
			return err
		}
		out = &ToolResult{
			Summary: fmt.Sprintf("Task %s finished %s (%s)", t.ID, outcome, t.Status),
			Meta:    taskMeta(t),
		}
		return nil
	})
	if err != nil {
		if rej := AsRejection(err); rej != nil {
			r.recordToolRejection(p.ProjectID, p.TaskID, p.Actor, rej)
		}
		return nil, err
	}
	return out, nil
}

// DispatchParams parameterizes ToolDispatch.
type DispatchParams struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
	Agent     string `json:"agent,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// ToolDispatch makes a task dispatchable now: route it to an agent when
// one is given, promote it to ready, and wake the scheduler instead of
// waiting out the poll interval. The spawn itself stays with the
// scheduler so capacity and throttles apply to manual dispatches too.
func (r *Router) ToolDispatch(p DispatchParams) (*ToolResult, error) {
	st, err := r.reg.Open(p.ProjectID)
	if err != nil {
		return nil, err
	}
	actor := p.Actor
	if actor == "" {
		actor = actorRouter
	}

	var out *ToolResult
	err = r.locks.WithLock(lockKey(p.ProjectID, p.TaskID), func() error {
		t, err := st.Get(p.TaskID)
		if err != nil {
			return err
		}
		if p.Agent != "" && p.Agent != t.Routing.Agent {
			routing := t.Routing
			routing.Agent = p.Agent
			if t, err = st.Update(t.ID, store.UpdateOptions{Actor: actor, Routing: &routing}); err != nil {
				return err
			}
		}
		switch t.Status {
		case types.StatusReady:
			// already queued
		case types.StatusBacklog, types.StatusBlocked:
			if t, err = st.Transition(t.ID, types.StatusReady, store.TransitionOptions{
				Actor:  actor,
				Reason: types.ReasonManual,
			}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("task %s is %s, not dispatchable: %w", t.ID, t.Status, errdefs.ErrFailedPrecondition)
		}

		out = &ToolResult{
			Summary: fmt.Sprintf("Task %s queued for dispatch", t.ID),
			Meta:    taskMeta(t),
		}
		if manifest, err := r.reg.Manifest(p.ProjectID); err == nil {
			if manifest.ResolveAgent(t.Routing) == "" {
				out.Warnings = append(out.Warnings,
					"no agent resolves for this routing; the scheduler will skip it")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.wake != nil {
		r.wake()
	}
	return out, nil
}

// recordToolRejection mirrors envelope rejections for the tool API so the
// audit log shows refused writes regardless of transport.
func (r *Router) recordToolRejection(projectID, taskID, actor string, rej *Rejection) {
	events, err := r.reg.Events(projectID)
	if err != nil {
		return
	}
	events.Record(&types.Event{
		Type:   types.EventProtocolRejected,
		TaskID: taskID,
		Actor:  actor,
		Payload: map[string]any{
			"reason": rej.Reason,
			"detail": rej.Detail,
			"type":   "tool",
		},
	})
}
