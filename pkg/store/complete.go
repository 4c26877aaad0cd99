package store

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

// ApplyRunResult finalizes a task from an agent's reported verdict. The
// result must already be durable in the task's working directory; this
// method only moves the task, stamps run.json, and emits task.completed.
//
// Outcomes map to lifecycle walks so the audit log always shows every edge:
// complete lands in done (or review when review is required), needs_review
// lands in review, blocked blocks the task with the reported blockers.
func (s *Store) ApplyRunResult(id string, res *runfiles.RunResult, actor string, requireReview bool) (*types.Task, error) {
	if res == nil {
		return nil, fmt.Errorf("nil run result: %w", errdefs.ErrInvalidArgument)
	}
	if !res.Outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q: %w", res.Outcome, errdefs.ErrInvalidArgument)
	}

	var (
		t   *types.Task
		err error
	)
	switch res.Outcome {
	case runfiles.OutcomeBlocked:
		reason := strings.Join(res.Blockers, "; ")
		if reason == "" {
			reason = "agent reported blocked"
		}
		t, err = s.Block(id, actor, reason)
	case runfiles.OutcomeNeedsReview:
		t, err = s.walkLifecycle(id, actor, types.ReasonCompletionReport, types.StatusReview)
	case runfiles.OutcomeComplete:
		target := types.StatusDone
		if requireReview {
			target = types.StatusReview
		}
		t, err = s.walkLifecycle(id, actor, types.ReasonCompletionReport, target)
	}
	if err != nil {
		return nil, err
	}

	runStatus := runfiles.RunCompleted
	if res.Outcome == runfiles.OutcomeBlocked {
		runStatus = runfiles.RunFailed
	}
	if err := runfiles.FinishRun(s.WorkDir(t), runStatus); err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("could not finalize run record")
	}

	payload := map[string]any{
		"outcome": string(res.Outcome),
		"status":  string(t.Status),
	}
	if res.SummaryRef != "" {
		payload["summaryRef"] = res.SummaryRef
	}
	if len(res.Deliverables) > 0 {
		payload["deliverables"] = res.Deliverables
	}
	if res.Tests != nil {
		payload["tests"] = map[string]any{
			"total":  res.Tests.Total,
			"passed": res.Tests.Passed,
			"failed": res.Tests.Failed,
		}
	}
	if len(res.Blockers) > 0 {
		payload["blockers"] = res.Blockers
	}
	s.events.Record(&types.Event{
		Type:    types.EventTaskCompleted,
		TaskID:  id,
		Actor:   actor,
		Payload: payload,
	})
	return t, nil
}
