package store

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

// DefaultLeaseTTL bounds how long an agent may hold a task without renewing.
const DefaultLeaseTTL = 5 * time.Minute

// ErrLeaseExpired distinguishes a renewal that arrived after the lease
// lapsed from one sent by the wrong agent. Callers test with errors.Is.
var ErrLeaseExpired = fmt.Errorf("lease expired: %w", errdefs.ErrFailedPrecondition)

// AcquireLease claims a ready task for an agent and moves it to in-progress.
// Re-acquiring a lease the same agent already holds is a no-op that does not
// touch renewCount. The working directory is created and run.json written
// before the method returns, so an executor always finds both.
func (s *Store) AcquireLease(id, agent string, ttl time.Duration) (*types.Task, error) {
	if agent == "" {
		return nil, fmt.Errorf("lease agent is required: %w", errdefs.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	var out *types.Task
	err := s.locks.WithLock(id, func() error {
		t, status, _, err := s.findCard(id)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		if status == types.StatusInProgress && t.Lease.Active(now) && t.Lease.Agent == agent {
			out = t
			return nil
		}
		if t.Lease.Active(now) {
			return fmt.Errorf("task %s is leased to %s until %s: %w",
				id, t.Lease.Agent, t.Lease.ExpiresAt.Format(time.RFC3339), errdefs.ErrConflict)
		}
		if status != types.StatusReady {
			return fmt.Errorf("task %s is %s, only ready tasks can be leased: %w",
				id, status, errdefs.ErrConflict)
		}

		lease := &types.Lease{
			Agent:      agent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		t, err = s.transitionLocked(id, types.StatusInProgress, TransitionOptions{
			Actor:  agent,
			Reason: types.ReasonDispatch,
			mutate: func(t *types.Task) error {
				t.Lease = lease
				return nil
			},
		})
		if err != nil {
			return err
		}
		out = t
		return s.writeRunRecord(t, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeRunRecord starts the run.json for a freshly leased task. A failure
// here is reported but does not undo the lease; the record is advisory.
func (s *Store) writeRunRecord(t *types.Task, now time.Time) error {
	dir, err := s.EnsureWorkDir(t.ID)
	if err != nil {
		return err
	}
	// A verdict left over from the previous attempt must not complete this one.
	if err := runfiles.ClearResult(dir); err != nil {
		return fmt.Errorf("clear stale run result: %w", err)
	}
	return runfiles.WriteRun(dir, &runfiles.RunRecord{
		TaskID:         t.ID,
		ProjectID:      s.projectID,
		Agent:          t.Lease.Agent,
		CorrelationID:  t.Meta(types.MetaCorrelationID),
		Status:         runfiles.RunRunning,
		StartedAt:      now,
		LeaseExpiresAt: t.Lease.ExpiresAt,
	})
}

// RenewLease pushes the lease expiry out by ttl and bumps renewCount. Only
// the holding agent may renew, and only while the lease is still live; a
// late renewal fails with ErrLeaseExpired so the caller can stop its loop.
func (s *Store) RenewLease(id, agent string, ttl time.Duration) (*types.Task, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	t, err := s.updateLocked(id, func(t *types.Task) error {
		if t.Lease == nil {
			return fmt.Errorf("task %s holds no lease: %w", id, errdefs.ErrFailedPrecondition)
		}
		if t.Lease.Agent != agent {
			return fmt.Errorf("lease on %s is held by %s, not %s: %w",
				id, t.Lease.Agent, agent, errdefs.ErrPermissionDenied)
		}
		now := s.now().UTC()
		if !t.Lease.Active(now) {
			return fmt.Errorf("task %s: %w", id, ErrLeaseExpired)
		}
		t.Lease.ExpiresAt = now.Add(ttl)
		t.Lease.RenewCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Record(&types.Event{
		Type:   types.EventLeaseRenewed,
		TaskID: id,
		Actor:  agent,
		Payload: map[string]any{
			"expiresAt":  t.Lease.ExpiresAt,
			"renewCount": t.Lease.RenewCount,
		},
	})
	return t, nil
}

// ReleaseLease clears the lease without moving the task. The caller decides
// what happens next (complete, reclaim, block); release alone leaves the
// task in-progress and unowned.
func (s *Store) ReleaseLease(id, agent string) (*types.Task, error) {
	var released bool
	t, err := s.updateLocked(id, func(t *types.Task) error {
		if t.Lease == nil {
			return nil
		}
		if t.Lease.Agent != agent {
			return fmt.Errorf("lease on %s is held by %s, not %s: %w",
				id, t.Lease.Agent, agent, errdefs.ErrPermissionDenied)
		}
		t.Lease = nil
		released = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released {
		s.events.Record(&types.Event{Type: types.EventLeaseReleased, TaskID: id, Actor: agent})
	}
	return t, nil
}

// ExpireLease demotes one in-progress task whose lease has lapsed. The task
// returns to ready, or to blocked when its dependencies no longer hold. A
// still-live lease is left alone.
func (s *Store) ExpireLease(id string) (*types.Task, error) {
	var out *types.Task
	err := s.locks.WithLock(id, func() error {
		t, status, _, err := s.findCard(id)
		if err != nil {
			return err
		}
		if status != types.StatusInProgress {
			return fmt.Errorf("task %s is %s, not in-progress: %w", id, status, errdefs.ErrFailedPrecondition)
		}
		if t.Lease.Active(s.now().UTC()) {
			return fmt.Errorf("lease on %s is still live: %w", id, errdefs.ErrFailedPrecondition)
		}

		agent := ""
		if t.Lease != nil {
			agent = t.Lease.Agent
		}
		target := types.StatusReady
		reason := types.ReasonLeaseExpired
		if undone := s.undoneDeps(t); len(undone) > 0 {
			target = types.StatusBlocked
			reason = types.ReasonDependencyRegress
		}
		t, err = s.transitionLocked(id, target, TransitionOptions{
			Actor:  agent,
			Reason: reason,
			mutate: func(t *types.Task) error {
				t.Lease = nil
				if target == types.StatusBlocked {
					t.SetMeta(types.MetaBlockReason, reason)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		out = t
		if err := runfiles.FinishRun(s.WorkDir(t), runfiles.RunAbandoned); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("could not mark run abandoned")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireLeases scans in-progress tasks and demotes every expired lease,
// returning the tasks it reclaimed. Per-task failures are logged and do not
// stop the sweep.
func (s *Store) ExpireLeases() ([]*types.Task, error) {
	inProgress, err := s.List(Filter{Statuses: []types.Status{types.StatusInProgress}})
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var reclaimed []*types.Task
	for _, t := range inProgress {
		if t.Lease.Active(now) {
			continue
		}
		demoted, err := s.ExpireLease(t.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("lease expiry failed")
			continue
		}
		reclaimed = append(reclaimed, demoted)
	}
	return reclaimed, nil
}
