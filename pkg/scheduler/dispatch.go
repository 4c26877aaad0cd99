package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// executeAssign dispatches one ready task to the executor:
// revalidate, stamp a fresh correlation id, lease, spawn, record the
// session. Failures are classified and routed; the platform limit path
// lowers the cap without burning a retry.
func (s *Scheduler) executeAssign(ctx context.Context, st *store.Store, manifest *types.Project, a Action) (bool, error) {
	now := time.Now().UTC()
	events := st.Events()

	t, err := st.Get(a.TaskID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != types.StatusReady || t.LeaseActive(now) {
		return true, nil
	}
	ok, _, err := st.DepsSatisfied(t.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	events.Record(&types.Event{
		Type:   types.EventActionStarted,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"kind":  string(ActionAssign),
			"agent": a.Agent,
		},
	})

	// The correlation id must be durable before the lease is acquired:
	// acquiring writes run.json, which copies the id out of metadata.
	corrID := uuid.NewString()
	if _, err := st.Update(t.ID, store.UpdateOptions{
		Actor:    actorScheduler,
		Metadata: map[string]string{types.MetaCorrelationID: corrID},
	}); err != nil {
		return false, fmt.Errorf("persist correlation id: %w", err)
	}

	leased, err := st.AcquireLease(t.ID, a.Agent, s.cfg.DefaultLeaseTTL)
	if err != nil {
		if errdefs.IsConflict(err) {
			return true, nil
		}
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	tc := s.buildTaskContext(st, manifest, leased, a.Agent, corrID)
	res, err := s.executor.Spawn(ctx, tc, executor.SpawnOptions{
		Timeout:       s.cfg.SpawnTimeout,
		CorrelationID: corrID,
	})
	if err != nil {
		return false, s.handleSpawnFailure(st, leased, a, corrID, err)
	}

	if _, err := st.Update(t.ID, store.UpdateOptions{
		Actor:    actorScheduler,
		Metadata: map[string]string{types.MetaSessionID: res.SessionID},
	}); err != nil {
		// The session is already running; losing the metadata write costs
		// us force-complete later, not the dispatch itself.
		s.logger.Warn().Err(err).Str("task_id", t.ID).Str("session_id", res.SessionID).
			Msg("could not persist session id")
	}
	events.Record(&types.Event{
		Type:   types.EventDispatchMatched,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"agent":         a.Agent,
			"correlationId": corrID,
			"sessionId":     res.SessionID,
		},
	})
	s.startRenewal(st, t.ID, a.Agent)
	markDispatch(a.Team, now)
	metrics.DispatchesTotal.WithLabelValues("matched").Inc()
	s.logger.Info().Str("task_id", t.ID).Str("agent", a.Agent).
		Str("correlation_id", corrID).Str("session_id", res.SessionID).
		Msg("task dispatched")
	return false, nil
}

// handleSpawnFailure routes a failed spawn. Platform-limit feedback lowers
// the effective cap and returns the task to ready without charging a retry;
// everything else is classified and the task blocked or deadlettered.
func (s *Scheduler) handleSpawnFailure(st *store.Store, t *types.Task, a Action, corrID string, spawnErr error) error {
	events := st.Events()
	workDir := st.WorkDir(t)

	var limitErr *executor.PlatformLimitError
	if errors.As(spawnErr, &limitErr) {
		newCap := lowerCap(min(limitErr.Limit, s.cfg.MaxConcurrentDispatches))
		events.Record(&types.Event{
			Type:   types.EventPlatformLimit,
			TaskID: t.ID,
			Actor:  actorScheduler,
			Payload: map[string]any{
				"limit":         limitErr.Limit,
				"effectiveCap":  newCap,
				"correlationId": corrID,
			},
		})
		s.logger.Warn().Int("limit", limitErr.Limit).Int("effective_cap", newCap).
			Str("task_id", t.ID).Msg("platform lowered the concurrency ceiling")
		if _, err := st.ReleaseLease(t.ID, a.Agent); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not release lease")
		}
		if _, err := st.Transition(t.ID, types.StatusReady, store.TransitionOptions{
			Actor:  actorScheduler,
			Reason: types.ReasonPlatformLimit,
		}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not return task to ready")
		}
		if err := runfiles.FinishRun(workDir, runfiles.RunAbandoned); err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not finalize run record")
		}
		metrics.DispatchesTotal.WithLabelValues("platform_limit").Inc()
		return spawnErr
	}

	class := Classify(spawnErr)
	retries := t.RetryCount() + 1
	if _, err := st.Update(t.ID, store.UpdateOptions{
		Actor: actorScheduler,
		Metadata: map[string]string{
			types.MetaRetryCount: strconv.Itoa(retries),
			types.MetaLastError:  spawnErr.Error(),
			types.MetaErrorClass: string(class),
		},
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not record failure metadata")
	}
	if err := runfiles.FinishRun(workDir, runfiles.RunFailed); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("could not finalize run record")
	}

	target := class.Target(retries, s.cfg.MaxRetries)
	switch target {
	case types.StatusDeadletter:
		reason := types.ReasonDispatchFailure
		if class == ClassUnknown {
			reason = types.ReasonRetriesExhausted
		}
		if _, err := st.Deadletter(t.ID, actorScheduler, reason); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("could not deadletter task")
		}
	default:
		if _, err := st.Block(t.ID, actorScheduler, string(class)); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("could not block task")
		}
	}

	events.Record(&types.Event{
		Type:   types.EventDispatchError,
		TaskID: t.ID,
		Actor:  actorScheduler,
		Payload: map[string]any{
			"agent":         a.Agent,
			"error":         string(class),
			"errorMessage":  spawnErr.Error(),
			"correlationId": corrID,
			"retryCount":    retries,
			"target":        string(target),
		},
	})
	metrics.DispatchesTotal.WithLabelValues(string(class)).Inc()
	s.logger.Warn().Err(spawnErr).Str("task_id", t.ID).Str("agent", a.Agent).
		Str("class", string(class)).Int("retry_count", retries).
		Msg("dispatch failed")
	return spawnErr
}

// buildTaskContext assembles everything an executor needs to start a
// session without touching the store again. Gate names on the task are
// enriched with their manifest descriptions when the manifest declares
// them.
func (s *Scheduler) buildTaskContext(st *store.Store, manifest *types.Project, t *types.Task, agent, corrID string) types.TaskContext {
	tc := types.TaskContext{
		TaskID:        t.ID,
		ProjectID:     st.ProjectID(),
		ProjectRoot:   st.Root(),
		Title:         t.Title,
		Body:          t.Body,
		Priority:      t.Priority,
		Agent:         agent,
		Routing:       t.Routing,
		CorrelationID: corrID,
		CardPath:      st.CardPath(t),
		WorkDir:       st.WorkDir(t),
		ParentID:      t.ParentID,
		DependsOn:     t.DependsOn,
		Metadata:      t.Metadata,
	}
	if rel, err := filepath.Rel(st.Root(), tc.CardPath); err == nil {
		tc.CardRelPath = rel
	}
	for _, name := range t.Gates {
		if manifest != nil {
			if g := manifest.FindGate(name); g != nil {
				tc.Gates = append(tc.Gates, *g)
				continue
			}
		}
		tc.Gates = append(tc.Gates, types.Gate{Name: name})
	}
	return tc
}

// startRenewal keeps a dispatched task's lease alive from the daemon side.
// The loop stops the first time a renewal is refused: the task completed,
// was reclaimed, or the lease changed hands. It also stops on scheduler
// shutdown so a drained daemon lets leases lapse naturally.
func (s *Scheduler) startRenewal(st *store.Store, taskID, agent string) {
	interval := s.cfg.DefaultLeaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if Draining() {
					return
				}
				if _, err := st.RenewLease(taskID, agent, s.cfg.DefaultLeaseTTL); err != nil {
					s.logger.Debug().Err(err).Str("task_id", taskID).
						Msg("renewal loop stopped")
					return
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}
