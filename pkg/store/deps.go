package store

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/types"
)

// undoneDeps returns the direct blockers of t that are not done. A blocker
// that cannot be loaded counts as undone; a task must never go ready on the
// strength of a missing or corrupt dependency.
func (s *Store) undoneDeps(t *types.Task) []string {
	var undone []string
	for _, dep := range t.DependsOn {
		blocker, _, _, err := s.findCard(dep)
		if err != nil || blocker.Status != types.StatusDone {
			undone = append(undone, dep)
		}
	}
	return undone
}

// DepsSatisfied reports whether every blocker of a task is done, listing
// the ones that are not.
func (s *Store) DepsSatisfied(id string) (bool, []string, error) {
	t, _, _, err := s.findCard(id)
	if err != nil {
		return false, nil, err
	}
	undone := s.undoneDeps(t)
	return len(undone) == 0, undone, nil
}

// AddDependency appends a blocker to a task's dependsOn list. Rejected when
// the blocker is missing, the task is terminal, or the edge would close a
// cycle.
func (s *Store) AddDependency(id, dep, actor string) (*types.Task, error) {
	if id == dep {
		return nil, fmt.Errorf("task cannot depend on itself: %w", errdefs.ErrInvalidArgument)
	}
	if _, err := s.Get(dep); err != nil {
		return nil, fmt.Errorf("dependency %s: %w", dep, err)
	}
	if cyclic, err := s.reaches(dep, id); err != nil {
		return nil, err
	} else if cyclic {
		return nil, fmt.Errorf("dependency %s → %s closes a cycle: %w", id, dep, errdefs.ErrInvalidArgument)
	}

	t, err := s.updateLocked(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s, cannot gain dependencies: %w",
				id, t.Status, errdefs.ErrInvalidArgument)
		}
		if t.DependsOnTask(dep) {
			return nil // idempotent
		}
		t.DependsOn = append(t.DependsOn, dep)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Record(&types.Event{
		Type:    types.EventTaskUpdated,
		TaskID:  id,
		Actor:   actor,
		Payload: map[string]any{"fields": []string{"dependsOn"}, "added": dep},
	})
	return t, nil
}

// RemoveDependency drops a blocker from a task's dependsOn list. Removing an
// edge that is not there is a no-op.
func (s *Store) RemoveDependency(id, dep, actor string) (*types.Task, error) {
	var removed bool
	t, err := s.updateLocked(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s, cannot lose dependencies: %w",
				id, t.Status, errdefs.ErrInvalidArgument)
		}
		kept := t.DependsOn[:0]
		for _, d := range t.DependsOn {
			if d == dep {
				removed = true
				continue
			}
			kept = append(kept, d)
		}
		t.DependsOn = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	if removed {
		s.events.Record(&types.Event{
			Type:    types.EventTaskUpdated,
			TaskID:  id,
			Actor:   actor,
			Payload: map[string]any{"fields": []string{"dependsOn"}, "removed": dep},
		})
	}
	return t, nil
}

// reaches walks dependsOn edges from start and reports whether target is
// reachable. Missing nodes end their branch.
func (s *Store) reaches(start, target string) (bool, error) {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		t, _, _, err := s.findCard(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return false, err
		}
		queue = append(queue, t.DependsOn...)
	}
	return false, nil
}

// Dependents returns the tasks that list id as a direct blocker.
func (s *Store) Dependents(id string) ([]*types.Task, error) {
	all, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.DependsOnTask(id) {
			out = append(out, t)
		}
	}
	return out, nil
}
