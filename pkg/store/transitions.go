package store

import (
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/types"
)

// validTransitions is the edge set of the task state machine. Terminal
// statuses have no outgoing edges.
var validTransitions = map[types.Status]map[types.Status]bool{
	types.StatusBacklog: {
		types.StatusReady:      true,
		types.StatusBlocked:    true,
		types.StatusCancelled:  true,
		types.StatusDeadletter: true,
	},
	types.StatusReady: {
		types.StatusInProgress: true,
		types.StatusBlocked:    true,
		types.StatusCancelled:  true,
		types.StatusDeadletter: true,
	},
	types.StatusInProgress: {
		types.StatusReview:     true,
		types.StatusDone:       true,
		types.StatusReady:      true, // lease reclaim
		types.StatusBlocked:    true,
		types.StatusCancelled:  true,
		types.StatusDeadletter: true,
	},
	types.StatusReview: {
		types.StatusDone:       true,
		types.StatusBlocked:    true,
		types.StatusCancelled:  true,
		types.StatusDeadletter: true,
	},
	types.StatusBlocked: {
		types.StatusReady:      true,
		types.StatusCancelled:  true,
		types.StatusDeadletter: true,
	},
	types.StatusDone:       {},
	types.StatusCancelled:  {},
	types.StatusDeadletter: {},
}

// ValidTransition reports whether the edge from->to exists.
func ValidTransition(from, to types.Status) bool {
	return validTransitions[from][to]
}

// TransitionOptions parameterizes a status change.
type TransitionOptions struct {
	Actor  string
	Reason string

	// mutate edits the task inside the same write as the move.
	mutate func(*types.Task) error
}

// Transition moves a task along one legal edge, atomically rewriting the
// card into the target status directory and relocating the working
// directory alongside it.
func (s *Store) Transition(id string, to types.Status, opts TransitionOptions) (*types.Task, error) {
	var out *types.Task
	err := s.locks.WithLock(id, func() error {
		t, err := s.transitionLocked(id, to, opts)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// transitionLocked performs the move. Caller holds the task lock.
func (s *Store) transitionLocked(id string, to types.Status, opts TransitionOptions) (*types.Task, error) {
	t, from, oldPath, err := s.findCard(id)
	if err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, errdefs.ErrInvalidArgument)
	}
	if from == to {
		return nil, fmt.Errorf("task %s is already %s: %w", id, to, errdefs.ErrInvalidArgument)
	}
	if from.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s, a terminal status: %w", id, from, errdefs.ErrInvalidArgument)
	}
	if !ValidTransition(from, to) {
		return nil, fmt.Errorf("no transition %s -> %s: %w", from, to, errdefs.ErrInvalidArgument)
	}
	if to == types.StatusReady {
		if undone := s.undoneDeps(t); len(undone) > 0 {
			return nil, fmt.Errorf(
				"task %s has unfinished dependencies %v: %w", id, undone, errdefs.ErrInvalidArgument)
		}
	}

	t.Status = to
	if from == types.StatusInProgress || to.IsTerminal() {
		t.Lease = nil
	}
	t.LastTransitionAt = s.now().UTC()
	t.DeleteMeta(types.MetaSLANotifiedAt)
	if opts.mutate != nil {
		if err := opts.mutate(t); err != nil {
			return nil, err
		}
	}
	t.UpdatedAt = s.bumpUpdatedAt(t.UpdatedAt)

	// Write the card in its new home first, then retire the old one. A
	// crash in between leaves a duplicate that lint reports.
	if err := s.writeCard(t); err != nil {
		return nil, err
	}
	if err := os.Remove(oldPath); err != nil {
		return nil, fmt.Errorf("remove old card: %w", err)
	}
	if err := s.moveWorkDir(id, from, to); err != nil {
		return nil, err
	}

	eventType := types.EventTaskTransitioned
	if to == types.StatusCancelled {
		eventType = types.EventTaskCancelled
	}
	s.events.Record(&types.Event{
		Type:   eventType,
		TaskID: id,
		Actor:  opts.Actor,
		Payload: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": opts.Reason,
		},
	})
	s.logger.Debug().Str("task_id", id).Str("from", string(from)).Str("to", string(to)).
		Str("reason", opts.Reason).Msg("task transitioned")

	ev := TransitionEvent{Task: t, From: from, To: to, Actor: opts.Actor, Reason: opts.Reason}
	for _, hook := range s.hooks {
		hook(ev)
	}
	return t, nil
}

// Block moves a task to blocked and records why.
func (s *Store) Block(id, actor, reason string) (*types.Task, error) {
	if reason == "" {
		reason = types.ReasonManual
	}
	return s.Transition(id, types.StatusBlocked, TransitionOptions{
		Actor:  actor,
		Reason: reason,
		mutate: func(t *types.Task) error {
			t.SetMeta(types.MetaBlockReason, reason)
			t.SetMeta(types.MetaLastBlockedAt, s.now().UTC().Format(time.RFC3339Nano))
			return nil
		},
	})
}

// Unblock returns a blocked task to ready. Fails while dependencies remain
// unfinished; the dependency gate guards every entry into ready.
func (s *Store) Unblock(id, actor string) (*types.Task, error) {
	return s.Transition(id, types.StatusReady, TransitionOptions{
		Actor:  actor,
		Reason: types.ReasonManual,
		mutate: func(t *types.Task) error {
			t.DeleteMeta(types.MetaBlockReason)
			return nil
		},
	})
}

// Cancel retires a task from any non-terminal status.
func (s *Store) Cancel(id, actor, reason string) (*types.Task, error) {
	return s.Transition(id, types.StatusCancelled, TransitionOptions{
		Actor:  actor,
		Reason: reason,
		mutate: func(t *types.Task) error {
			if reason != "" {
				t.SetMeta(types.MetaCancellationReason, reason)
			}
			return nil
		},
	})
}

// Deadletter parks a task for operator attention.
func (s *Store) Deadletter(id, actor, reason string) (*types.Task, error) {
	return s.Transition(id, types.StatusDeadletter, TransitionOptions{
		Actor:  actor,
		Reason: reason,
	})
}

// lifecycleNext picks the next hop toward done.
func lifecycleNext(from types.Status, requireReview bool) (types.Status, error) {
	switch from {
	case types.StatusBacklog, types.StatusBlocked:
		return types.StatusReady, nil
	case types.StatusReady:
		return types.StatusInProgress, nil
	case types.StatusInProgress:
		if requireReview {
			return types.StatusReview, nil
		}
		return types.StatusDone, nil
	case types.StatusReview:
		return types.StatusDone, nil
	default:
		return "", fmt.Errorf("no path from %s to done: %w", from, errdefs.ErrInvalidArgument)
	}
}

// CompleteLifecycle walks a task along legal edges until it reaches done
// (or review when review is required), emitting one event per hop.
// Completion never jumps: a backlog task passes through ready and
// in-progress on its way out, so the audit log holds every edge.
func (s *Store) CompleteLifecycle(id, actor, reason string, requireReview bool) (*types.Task, error) {
	target := types.StatusDone
	if requireReview {
		target = types.StatusReview
	}
	return s.walkLifecycle(id, actor, reason, target)
}

// walkLifecycle advances a task one legal edge at a time until it sits in
// target (review or done). Already being at or past the target is a no-op.
func (s *Store) walkLifecycle(id, actor, reason string, target types.Status) (*types.Task, error) {
	if target != types.StatusReview && target != types.StatusDone {
		return nil, fmt.Errorf("cannot walk lifecycle to %s: %w", target, errdefs.ErrInvalidArgument)
	}
	if reason == "" {
		reason = types.ReasonLifecycleWalk
	}
	throughReview := target == types.StatusReview

	var out *types.Task
	err := s.locks.WithLock(id, func() error {
		t, _, _, err := s.findCard(id)
		if err != nil {
			return err
		}
		if t.Status == target || t.Status == types.StatusDone {
			out = t
			return nil
		}
		for hops := 0; t.Status != target; hops++ {
			if hops > len(types.AllStatuses) {
				return fmt.Errorf("lifecycle walk did not terminate from %s: %w",
					t.Status, errdefs.ErrInternal)
			}
			next, err := lifecycleNext(t.Status, throughReview)
			if err != nil {
				return err
			}
			t, err = s.transitionLocked(id, next, TransitionOptions{Actor: actor, Reason: reason})
			if err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}
