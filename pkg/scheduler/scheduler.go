package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/notify"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// actorScheduler is the actor recorded on every event the poll loop emits.
const actorScheduler = "scheduler"

// Scheduler runs the poll loop: snapshot every project board, plan actions,
// execute them one at a time. All task state lives on disk; the scheduler
// itself keeps only the throttle and cap state in processState, so a
// restart resumes from whatever the boards say.
type Scheduler struct {
	registry *registry.Registry
	executor executor.Executor
	notifier notify.Notifier
	cfg      Config
	logger   zerolog.Logger

	mu         sync.Mutex
	lastPollAt time.Time

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler over the given project registry and executor.
// A nil notifier falls back to the log channel.
func New(reg *registry.Registry, exe executor.Executor, notifier notify.Notifier, cfg Config) *Scheduler {
	if notifier == nil {
		notifier = notify.NewLog()
	}
	cfg = cfg.withDefaults()
	InitProcess(cfg.MaxConcurrentDispatches)
	return &Scheduler{
		registry: reg,
		executor: exe,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start begins the poll loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the poll loop and waits for it and all renewal loops to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// LastPollAt returns when the most recent poll finished, zero before the
// first one. Health checks alarm when this falls too far behind.
func (s *Scheduler) LastPollAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPollAt
}

// Wake requests a poll ahead of the next tick. Coalesces: waking an
// already-poked scheduler is a no-op.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Poll(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Poll failed")
			}
		case <-s.wakeCh:
			if err := s.Poll(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Poll failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Poll executes one full cycle over every active project. Projects share
// one capacity budget: in-progress tasks and fresh assigns anywhere in the
// data dir count against the same effective cap.
func (s *Scheduler) Poll(ctx context.Context) error {
	if Draining() {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollDuration)

	if s.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PollTimeout)
		defer cancel()
	}
	now := time.Now().UTC()

	records, err := s.registry.Projects(false)
	if err != nil {
		return fmt.Errorf("discover projects: %w", err)
	}

	type boardSnap struct {
		st   *store.Store
		snap *Snapshot
	}
	var boards []boardSnap
	for _, rec := range records {
		if rec.Err != nil {
			s.logger.Warn().Err(rec.Err).Str("project_id", rec.ID).
				Msg("skipping project with broken manifest")
			continue
		}
		st, err := s.registry.Open(rec.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("could not open project")
			continue
		}
		snap, err := BuildSnapshot(st, rec.Manifest)
		if err != nil {
			s.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("could not snapshot project")
			continue
		}
		boards = append(boards, boardSnap{st: st, snap: snap})
	}

	for _, b := range boards {
		s.escalateCorrupt(b.snap)
	}

	capLeft := EffectiveCap()
	assignsLeft := s.cfg.MaxDispatchesPerPoll
	throttles := teamThrottles()

	for _, b := range boards {
		plan := Plan(b.snap, now, s.cfg, PlanState{
			EffectiveCap:     capLeft,
			MaxAssigns:       assignsLeft,
			LastTeamDispatch: throttles,
		})
		capLeft -= b.snap.InProgress()
		for _, a := range plan {
			if err := ctx.Err(); err != nil {
				s.finishPoll(now)
				return fmt.Errorf("poll cut short: %w", err)
			}
			s.execute(ctx, b.st, b.snap.Manifest, a)
			if a.Kind == ActionAssign {
				capLeft--
				assignsLeft--
			}
		}
	}
	s.finishPoll(now)
	return nil
}

func (s *Scheduler) finishPoll(at time.Time) {
	s.mu.Lock()
	s.lastPollAt = at
	s.mu.Unlock()
}

// escalateCorrupt raises a critical notification the first time a card is
// seen in more than one status directory. The planner already refuses to
// touch such tasks; an operator has to pick the surviving copy by hand.
func (s *Scheduler) escalateCorrupt(snap *Snapshot) {
	for id, statuses := range snap.Corrupt {
		if !corruptOnce(snap.ProjectID, id) {
			continue
		}
		dirs := make([]string, 0, len(statuses))
		for _, st := range statuses {
			dirs = append(dirs, string(st))
		}
		s.logger.Error().Str("project_id", snap.ProjectID).Str("task_id", id).
			Strs("statuses", dirs).Msg("task card present in multiple status directories")
		if err := s.notifier.Send(notify.Notification{
			Severity:  notify.SeverityCritical,
			Title:     "task card duplicated across status directories",
			Message:   fmt.Sprintf("task %s appears in %v; scheduler will not touch it until repaired", id, dirs),
			ProjectID: snap.ProjectID,
			TaskID:    id,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("could not deliver corruption notification")
		}
	}
}

// execute runs one planned action. Each handler revalidates against live
// state and reports deduped when the world moved on since planning. The
// audit log sees action.started from the handler once revalidation passes,
// then either action.completed or dispatch.deduped from here.
func (s *Scheduler) execute(ctx context.Context, st *store.Store, manifest *types.Project, a Action) {
	var (
		deduped bool
		err     error
	)
	switch a.Kind {
	case ActionAssign:
		deduped, err = s.executeAssign(ctx, st, manifest, a)
	case ActionExpireLease:
		deduped, err = s.executeExpireLease(st, a)
	case ActionStaleHeartbeat:
		deduped, err = s.executeStaleHeartbeat(ctx, st, a)
	case ActionSLABreach:
		deduped, err = s.executeSLABreach(st, a)
	case ActionDependencySatisfied:
		deduped, err = s.executeDependencySatisfied(st, a)
	default:
		err = fmt.Errorf("unknown action kind %q: %w", a.Kind, errdefs.ErrInvalidArgument)
	}

	switch {
	case deduped:
		st.Events().Record(&types.Event{
			Type:    types.EventDispatchDeduped,
			TaskID:  a.TaskID,
			Actor:   actorScheduler,
			Payload: map[string]any{"kind": string(a.Kind)},
		})
		metrics.ActionsTotal.WithLabelValues(string(a.Kind), "deduped").Inc()
		if a.Kind == ActionAssign {
			metrics.DispatchesTotal.WithLabelValues("deduped").Inc()
		}
	case err != nil:
		st.Events().Record(&types.Event{
			Type:   types.EventActionCompleted,
			TaskID: a.TaskID,
			Actor:  actorScheduler,
			Payload: map[string]any{
				"kind":    string(a.Kind),
				"success": false,
				"error":   err.Error(),
			},
		})
		metrics.ActionsTotal.WithLabelValues(string(a.Kind), "error").Inc()
		s.logger.Error().Err(err).Str("task_id", a.TaskID).Str("kind", string(a.Kind)).
			Msg("Action failed")
	default:
		st.Events().Record(&types.Event{
			Type:   types.EventActionCompleted,
			TaskID: a.TaskID,
			Actor:  actorScheduler,
			Payload: map[string]any{
				"kind":    string(a.Kind),
				"success": true,
			},
		})
		metrics.ActionsTotal.WithLabelValues(string(a.Kind), "ok").Inc()
	}
}

// executeExpireLease reclaims a task whose lease ran out. The store decides
// where the task lands: ready normally, blocked when its dependencies
// regressed while it ran.
func (s *Scheduler) executeExpireLease(st *store.Store, a Action) (bool, error) {
	now := time.Now().UTC()
	t, err := st.Get(a.TaskID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != types.StatusInProgress || t.LeaseActive(now) {
		return true, nil
	}

	st.Events().Record(&types.Event{
		Type:    types.EventActionStarted,
		TaskID:  t.ID,
		Actor:   actorScheduler,
		Payload: map[string]any{"kind": string(ActionExpireLease)},
	})
	if _, err := st.ExpireLease(t.ID); err != nil {
		if errdefs.IsFailedPrecondition(err) {
			// Renewed between revalidation and expiry.
			return true, nil
		}
		return false, err
	}
	metrics.LeaseExpiriesTotal.Inc()
	return false, nil
}

// executeStaleHeartbeat reclaims a task whose session stopped beating while
// its lease was still live. The session is force-completed first so a
// half-dead agent cannot race the reclaim, then any verdict it managed to
// leave behind is applied; otherwise the task returns to ready.
func (s *Scheduler) executeStaleHeartbeat(ctx context.Context, st *store.Store, a Action) (bool, error) {
	now := time.Now().UTC()
	t, err := st.Get(a.TaskID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != types.StatusInProgress {
		return true, nil
	}
	workDir := st.WorkDir(t)
	hb, err := runfiles.ReadHeartbeat(workDir)
	if err != nil {
		return false, fmt.Errorf("read heartbeat: %w", err)
	}
	if hb == nil || !hb.Stale(now, s.cfg.HeartbeatTTL) {
		return true, nil
	}

	st.Events().Record(&types.Event{
		Type:    types.EventActionStarted,
		TaskID:  t.ID,
		Actor:   actorScheduler,
		Payload: map[string]any{"kind": string(ActionStaleHeartbeat)},
	})

	sessionID := t.Meta(types.MetaSessionID)
	if sessionID != "" {
		if err := s.executor.ForceComplete(ctx, sessionID, types.ReasonStaleHeartbeat); err != nil &&
			!errdefs.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Str("session_id", sessionID).
				Msg("force-complete failed, reclaiming anyway")
		}
	}

	applied := false
	if res, err := runfiles.ReadResult(workDir); err == nil && res != nil && res.Outcome.Valid() {
		if _, err := st.ApplyRunResult(t.ID, res, actorScheduler, s.cfg.RequireReview); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).
				Msg("could not apply abandoned run result, reclaiming instead")
		} else {
			applied = true
		}
	}
	if !applied {
		if t.Lease != nil {
			if _, err := st.ReleaseLease(t.ID, t.Lease.Agent); err != nil {
				s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not release lease")
			}
		}
		if _, err := st.Transition(t.ID, types.StatusReady, store.TransitionOptions{
			Actor:  actorScheduler,
			Reason: types.ReasonStaleHeartbeat,
		}); err != nil {
			if !errdefs.IsInvalidArgument(err) {
				return false, fmt.Errorf("reclaim task: %w", err)
			}
			// Dependencies regressed while the task ran; ready is closed.
			if _, err := st.Block(t.ID, actorScheduler, types.ReasonDependencyRegress); err != nil {
				return false, fmt.Errorf("block regressed task: %w", err)
			}
		}
		if err := runfiles.FinishRun(workDir, runfiles.RunAbandoned); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not finalize run record")
		}
	}

	st.Events().Record(&types.Event{
		Type:   types.EventSessionForceComplete,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"sessionId":     sessionID,
			"correlationId": t.Meta(types.MetaCorrelationID),
			"reason":        types.ReasonStaleHeartbeat,
			"resultApplied": applied,
		},
	})
	metrics.StaleHeartbeatsTotal.Inc()
	return false, nil
}

// executeSLABreach applies a task's onViolation policy after its time in
// the current status ran over the target.
func (s *Scheduler) executeSLABreach(st *store.Store, a Action) (bool, error) {
	now := time.Now().UTC()
	t, err := st.Get(a.TaskID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status.IsTerminal() {
		return true, nil
	}
	target := slaTarget(t, s.cfg)
	if target <= 0 || t.LastTransitionAt.IsZero() {
		return true, nil
	}
	deadline := t.LastTransitionAt.Add(target)
	if !now.After(deadline) {
		// The task moved since planning; its clock restarted.
		return true, nil
	}
	violation := slaViolation(t)
	if violation == types.ViolationAlert && alertAlreadySent(t) {
		return true, nil
	}
	if violation == types.ViolationBlock && t.Status == types.StatusBlocked {
		return true, nil
	}

	st.Events().Record(&types.Event{
		Type:   types.EventActionStarted,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"kind":   string(ActionSLABreach),
			"action": string(violation),
		},
	})
	st.Events().Record(&types.Event{
		Type:   types.EventSLABreach,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"status":   string(t.Status),
			"deadline": deadline.Format(time.RFC3339Nano),
			"action":   string(violation),
			"overBy":   now.Sub(deadline).String(),
		},
	})
	metrics.SLABreachesTotal.WithLabelValues(string(violation)).Inc()

	if err := s.notifier.Send(notify.Notification{
		Severity:  notify.SeverityWarning,
		Title:     "task exceeded its status SLA",
		Message:   fmt.Sprintf("task %s sat in %s past %s (policy %s)", t.ID, t.Status, deadline.Format(time.RFC3339), violation),
		ProjectID: st.ProjectID(),
		TaskID:    t.ID,
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not deliver SLA notification")
	}

	switch violation {
	case types.ViolationAlert:
		_, err = st.Update(t.ID, store.UpdateOptions{
			Actor: actorScheduler,
			Metadata: map[string]string{
				types.MetaSLANotifiedAt: t.LastTransitionAt.UTC().Format(time.RFC3339Nano),
			},
		})
	case types.ViolationBlock:
		_, err = st.Block(t.ID, actorScheduler, types.ReasonSLAViolation)
	case types.ViolationDeadletter:
		_, err = st.Deadletter(t.ID, actorScheduler, types.ReasonSLAViolation)
	default:
		err = fmt.Errorf("unknown violation action %q: %w", violation, errdefs.ErrInvalidArgument)
	}
	if errdefs.IsInvalidArgument(err) {
		return true, nil
	}
	return false, err
}

// executeDependencySatisfied promotes a backlog task whose blockers all
// completed since it was filed.
func (s *Scheduler) executeDependencySatisfied(st *store.Store, a Action) (bool, error) {
	t, err := st.Get(a.TaskID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != types.StatusBacklog {
		return true, nil
	}
	ok, _, err := st.DepsSatisfied(t.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	st.Events().Record(&types.Event{
		Type:    types.EventActionStarted,
		TaskID:  t.ID,
		Actor:   actorScheduler,
		Payload: map[string]any{"kind": string(ActionDependencySatisfied)},
	})
	if _, err := st.Transition(t.ID, types.StatusReady, store.TransitionOptions{
		Actor:  actorScheduler,
		Reason: types.ReasonDependencySatisfied,
	}); err != nil {
		if errdefs.IsInvalidArgument(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
