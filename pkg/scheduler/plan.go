package scheduler

import (
	"sort"
	"time"

	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// ActionKind names one kind of planned scheduler action.
type ActionKind string

const (
	ActionAssign              ActionKind = "assign"
	ActionExpireLease         ActionKind = "expire_lease"
	ActionStaleHeartbeat      ActionKind = "stale_heartbeat"
	ActionSLABreach           ActionKind = "sla_breach"
	ActionDependencySatisfied ActionKind = "dependency_satisfied"
)

// Action is one planned side effect. Planning reads a snapshot and never
// touches the store; execution revalidates every action against live state
// before acting on it.
type Action struct {
	Kind   ActionKind
	TaskID string

	// Agent and Team are set on assign actions.
	Agent string
	Team  string

	// Violation and Deadline are set on sla_breach actions.
	Violation types.ViolationAction
	Deadline  time.Time
}

// Snapshot is one project's board as read at the top of a poll.
type Snapshot struct {
	ProjectID string
	Manifest  *types.Project
	Tasks     []*types.Task

	// Heartbeats holds the heartbeat file of each in-progress task that has
	// one, keyed by task id.
	Heartbeats map[string]*runfiles.Heartbeat

	// Corrupt maps task ids that appear in more than one status directory
	// to the directories claiming them. The planner refuses to act on them.
	Corrupt map[string][]types.Status
}

// BuildSnapshot reads a project board for planning. A heartbeat file that
// fails to parse counts as absent; the lease TTL still bounds that session.
func BuildSnapshot(s *store.Store, manifest *types.Project) (*Snapshot, error) {
	tasks, err := s.List(store.Filter{})
	if err != nil {
		return nil, err
	}
	corrupt, err := s.DuplicateCards()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ProjectID:  s.ProjectID(),
		Manifest:   manifest,
		Tasks:      tasks,
		Heartbeats: make(map[string]*runfiles.Heartbeat),
		Corrupt:    corrupt,
	}
	for _, t := range tasks {
		if t.Status != types.StatusInProgress {
			continue
		}
		hb, err := runfiles.ReadHeartbeat(s.WorkDir(t))
		if err != nil || hb == nil {
			continue
		}
		snap.Heartbeats[t.ID] = hb
	}
	return snap, nil
}

// InProgress counts tasks currently in the in-progress status.
func (s *Snapshot) InProgress() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == types.StatusInProgress {
			n++
		}
	}
	return n
}

// PlanState is the slice of process-wide state one planning pass consults.
type PlanState struct {
	// EffectiveCap is the concurrency ceiling minus capacity already spoken
	// for by projects planned earlier in the same poll.
	EffectiveCap int

	// MaxAssigns is what remains of the per-poll dispatch budget.
	MaxAssigns int

	// LastTeamDispatch is the team throttle map at poll start.
	LastTeamDispatch map[string]time.Time
}

// Plan turns a snapshot into the actions one poll should execute, in
// execution order: reclaims first so freed capacity shows up next poll,
// then SLA checks, then dependency promotions, then assigns.
//
// Plan is a pure function of its inputs: no IO, no clock reads, no
// mutation of the snapshot or the plan state.
func Plan(snap *Snapshot, now time.Time, cfg Config, ps PlanState) []Action {
	var actions []Action

	done := make(map[string]bool)
	for _, t := range snap.Tasks {
		if t.Status == types.StatusDone {
			done[t.ID] = true
		}
	}
	corrupt := func(id string) bool {
		_, ok := snap.Corrupt[id]
		return ok
	}
	handled := make(map[string]bool)

	// Reclaims: expired leases first, then sessions gone quiet. A task
	// gets at most one reclaim action per poll.
	for _, t := range snap.Tasks {
		if t.Status != types.StatusInProgress || corrupt(t.ID) {
			continue
		}
		if !t.LeaseActive(now) {
			actions = append(actions, Action{Kind: ActionExpireLease, TaskID: t.ID})
			handled[t.ID] = true
			continue
		}
		if hb := snap.Heartbeats[t.ID]; hb != nil && hb.Stale(now, cfg.HeartbeatTTL) {
			actions = append(actions, Action{Kind: ActionStaleHeartbeat, TaskID: t.ID})
			handled[t.ID] = true
		}
	}

	// SLA deadlines on everything not already being reclaimed.
	for _, t := range snap.Tasks {
		if t.Status.IsTerminal() || handled[t.ID] || corrupt(t.ID) {
			continue
		}
		target := slaTarget(t, cfg)
		if target <= 0 || t.LastTransitionAt.IsZero() {
			continue
		}
		deadline := t.LastTransitionAt.Add(target)
		if !now.After(deadline) {
			continue
		}
		violation := slaViolation(t)
		if violation == types.ViolationAlert && alertAlreadySent(t) {
			continue
		}
		if violation == types.ViolationBlock && t.Status == types.StatusBlocked {
			continue
		}
		actions = append(actions, Action{
			Kind:      ActionSLABreach,
			TaskID:    t.ID,
			Violation: violation,
			Deadline:  deadline,
		})
		handled[t.ID] = true
	}

	// Dependency promotions: backlog tasks whose blockers all finished.
	for _, t := range snap.Tasks {
		if t.Status != types.StatusBacklog || handled[t.ID] || corrupt(t.ID) {
			continue
		}
		if len(t.DependsOn) == 0 || !depsDone(t, done) {
			continue
		}
		actions = append(actions, Action{Kind: ActionDependencySatisfied, TaskID: t.ID})
	}

	// Assigns, bounded by whatever capacity this project may still use.
	budget := ps.EffectiveCap - snap.InProgress()
	if budget > ps.MaxAssigns {
		budget = ps.MaxAssigns
	}
	if budget <= 0 {
		return actions
	}

	type candidate struct {
		task  *types.Task
		agent string
		team  string
	}
	var candidates []candidate
	for _, t := range snap.Tasks {
		if t.Status != types.StatusReady || handled[t.ID] || corrupt(t.ID) {
			continue
		}
		if t.LeaseActive(now) || !depsDone(t, done) {
			continue
		}
		agent := resolveAgent(snap.Manifest, t.Routing)
		if agent == "" {
			continue
		}
		candidates = append(candidates, candidate{task: t, agent: agent, team: t.Routing.Team})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].task, candidates[j].task
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	taken := 0
	lastDispatch := make(map[string]time.Time, len(ps.LastTeamDispatch))
	for team, at := range ps.LastTeamDispatch {
		lastDispatch[team] = at
	}
	for _, c := range candidates {
		if taken >= budget {
			break
		}
		if cfg.MinDispatchInterval > 0 && c.team != "" {
			if last, ok := lastDispatch[c.team]; ok && now.Sub(last) < cfg.MinDispatchInterval {
				continue
			}
			// Same-team siblings planned below wait for the next poll.
			lastDispatch[c.team] = now
		}
		actions = append(actions, Action{
			Kind:   ActionAssign,
			TaskID: c.task.ID,
			Agent:  c.agent,
			Team:   c.team,
		})
		taken++
	}
	return actions
}

func slaTarget(t *types.Task, cfg Config) time.Duration {
	if d := t.SLA.Target(t.Status); d > 0 {
		return d
	}
	return cfg.SLATargets[t.Status]
}

func slaViolation(t *types.Task) types.ViolationAction {
	if t.SLA != nil && t.SLA.OnViolation != "" {
		return t.SLA.OnViolation
	}
	return types.ViolationAlert
}

// alertAlreadySent reports whether the current stay in this status was
// already alerted on. The marker stores the stay's transition stamp, so a
// later transition re-arms the alert on its own.
func alertAlreadySent(t *types.Task) bool {
	mark := t.Meta(types.MetaSLANotifiedAt)
	return mark != "" && mark == t.LastTransitionAt.UTC().Format(time.RFC3339Nano)
}

func depsDone(t *types.Task, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func resolveAgent(manifest *types.Project, r types.Routing) string {
	if manifest != nil {
		return manifest.ResolveAgent(r)
	}
	return r.Agent
}
