package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/locks"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/taskfile"
	"github.com/seldon-engine/aof/pkg/types"
)

// Store is the filesystem task store for one project. The status directory
// a card sits in is the source of truth for its lifecycle state; the header
// is a projection of it. Every mutating operation runs under a per-task
// lock and writes atomically (temp file + fsync + rename).
type Store struct {
	projectID string
	root      string // project directory containing tasks/ and events/

	locks  *locks.Manager
	events *eventlog.Logger
	now    func() time.Time
	logger zerolog.Logger

	hooks []TransitionHook
}

// TransitionHook observes committed status changes. Hooks run after the
// move is durable, in registration order, on the mutating goroutine.
type TransitionHook func(ev TransitionEvent)

// TransitionEvent describes one committed status change.
type TransitionEvent struct {
	Task   *types.Task
	From   types.Status
	To     types.Status
	Actor  string
	Reason string
}

// Open prepares the store for a project directory, creating the status
// directory skeleton when missing.
func Open(root, projectID string, events *eventlog.Logger) (*Store, error) {
	s := &Store{
		projectID: projectID,
		root:      root,
		locks:     locks.NewManager(),
		events:    events,
		now:       time.Now,
		logger:    log.WithComponent("store").With().Str("project_id", projectID).Logger(),
	}
	for _, status := range types.AllStatuses {
		if err := os.MkdirAll(s.statusDir(status), 0o755); err != nil {
			return nil, fmt.Errorf("create status dir %s: %w", status, err)
		}
	}
	return s, nil
}

// ProjectID returns the project this store belongs to.
func (s *Store) ProjectID() string { return s.projectID }

// Root returns the project directory.
func (s *Store) Root() string { return s.root }

// Events exposes the project's event log.
func (s *Store) Events() *eventlog.Logger { return s.events }

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// OnTransition registers a hook. Not safe to call once the store is in use.
func (s *Store) OnTransition(h TransitionHook) { s.hooks = append(s.hooks, h) }

func (s *Store) tasksDir() string { return filepath.Join(s.root, "tasks") }

func (s *Store) statusDir(status types.Status) string {
	return filepath.Join(s.tasksDir(), string(status))
}

func (s *Store) cardPath(st types.Status, id string) string {
	return filepath.Join(s.statusDir(st), id+".md")
}
func (s *Store) workDirPath(st types.Status, id string) string {
	return filepath.Join(s.statusDir(st), id)
}

// WorkDir returns the working directory for a task in its current status.
// The directory may not exist yet; EnsureWorkDir creates it.
func (s *Store) WorkDir(t *types.Task) string {
	return s.workDirPath(t.Status, t.ID)
}

// CardPath returns the card location for a task in its current status.
func (s *Store) CardPath(t *types.Task) string {
	return s.cardPath(t.Status, t.ID)
}

// CreateRequest carries the caller-controlled fields of a new task.
type CreateRequest struct {
	ID        string // optional; generated when empty
	Title     string
	Body      string
	Priority  types.Priority
	ParentID  string
	DependsOn []string
	Routing   types.Routing
	SLA       *types.SLA
	Gates     []string
	Metadata  map[string]string
	Actor     string
}

// Create writes a new card into backlog/ and emits task.created. New tasks
// always start in backlog; the scheduler promotes them once dependencies
// are satisfied.
func (s *Store) Create(req CreateRequest) (*types.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("task title is required: %w", errdefs.ErrInvalidArgument)
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q: %w", priority, errdefs.ErrInvalidArgument)
	}

	now := s.now().UTC()
	id := req.ID
	if id == "" {
		var err error
		id, err = s.freshID(now)
		if err != nil {
			return nil, err
		}
	} else if err := ValidateID(id); err != nil {
		return nil, err
	}

	for _, dep := range req.DependsOn {
		if dep == id {
			return nil, fmt.Errorf("task cannot depend on itself: %w", errdefs.ErrInvalidArgument)
		}
		if _, err := s.Get(dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	if req.ParentID != "" {
		if _, err := s.Get(req.ParentID); err != nil {
			return nil, fmt.Errorf("parent %s: %w", req.ParentID, err)
		}
	}

	task := &types.Task{
		ID:               id,
		Project:          s.projectID,
		Title:            strings.TrimSpace(req.Title),
		Status:           types.StatusBacklog,
		Priority:         priority,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		CreatedBy:        req.Actor,
		ParentID:         req.ParentID,
		DependsOn:        append([]string(nil), req.DependsOn...),
		Routing:          req.Routing,
		SLA:              req.SLA,
		Gates:            append([]string(nil), req.Gates...),
		Body:             req.Body,
	}
	for k, v := range req.Metadata {
		task.SetMeta(k, v)
	}
	if task.Body != "" {
		task.ContentHash = taskfile.BodyHash(task.Body)
	}

	err := s.locks.WithLock(id, func() error {
		_, _, _, err := s.findCard(id)
		if err == nil {
			return fmt.Errorf("task %s already exists: %w", id, errdefs.ErrConflict)
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
		return s.writeCard(task)
	})
	if err != nil {
		return nil, err
	}

	s.events.Record(&types.Event{
		Type:   types.EventTaskCreated,
		TaskID: id,
		Actor:  req.Actor,
		Payload: map[string]any{
			"title":    task.Title,
			"priority": string(task.Priority),
			"parentId": task.ParentID,
			"agent":    task.Routing.Agent,
			"team":     task.Routing.Team,
		},
	})
	s.logger.Info().Str("task_id", id).Str("title", task.Title).Msg("task created")
	return task, nil
}

// Get loads a task by exact id.
func (s *Store) Get(id string) (*types.Task, error) {
	t, _, _, err := s.findCard(id)
	return t, err
}

// GetByPrefix loads a task by unique id prefix. Ambiguous prefixes fail.
func (s *Store) GetByPrefix(prefix string) (*types.Task, error) {
	if prefix == "" {
		return nil, fmt.Errorf("empty task id: %w", errdefs.ErrInvalidArgument)
	}
	var match *types.Task
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", status, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			id := strings.TrimSuffix(name, ".md")
			if !strings.HasPrefix(id, prefix) {
				continue
			}
			if match != nil && match.ID != id {
				return nil, fmt.Errorf("prefix %q is ambiguous: %w", prefix, errdefs.ErrInvalidArgument)
			}
			t, err := s.Get(id)
			if err != nil {
				return nil, err
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no task with prefix %q: %w", prefix, errdefs.ErrNotFound)
	}
	return match, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Statuses []types.Status
	Agent    string
	Team     string
	ParentID string
	Tag      string
}

func (f Filter) wantStatus(st types.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == st {
			return true
		}
	}
	return false
}

func (f Filter) match(t *types.Task) bool {
	if f.Agent != "" && t.Routing.Agent != f.Agent {
		return false
	}
	if f.Team != "" && t.Routing.Team != f.Team {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Routing.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List scans status directories and returns matching tasks sorted by
// creation time, then id. Unparseable cards are skipped with a warning so
// one corrupt file cannot hide the rest of the board. A task found in two
// status directories (a torn move) is corruption: both copies are excluded
// until lint or an operator resolves it.
func (s *Store) List(f Filter) ([]*types.Task, error) {
	var out []*types.Task
	seen := make(map[string]types.Status)
	torn := make(map[string]bool)
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", status, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".md")
			if prev, dup := seen[id]; dup {
				torn[id] = true
				s.logger.Error().Str("task_id", id).
					Str("dirs", string(prev)+","+string(status)).
					Msg("task card present in two status directories")
				continue
			}
			seen[id] = status
			if !f.wantStatus(status) {
				continue
			}
			t, err := s.readCard(filepath.Join(s.statusDir(status), entry.Name()), status)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable card")
				continue
			}
			if f.match(t) {
				out = append(out, t)
			}
		}
	}
	if len(torn) > 0 {
		kept := out[:0]
		for _, t := range out {
			if !torn[t.ID] {
				kept = append(kept, t)
			}
		}
		out = kept
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountByStatus tallies cards per status directory.
func (s *Store) CountByStatus() (map[types.Status]int, error) {
	counts := make(map[types.Status]int, len(types.AllStatuses))
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", status, err)
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
				n++
			}
		}
		counts[status] = n
	}
	return counts, nil
}

// UpdateOptions selects which fields Update rewrites. Nil pointers leave
// the field alone.
type UpdateOptions struct {
	Actor    string
	Title    *string
	Body     *string
	Priority *types.Priority
	Routing  *types.Routing
	SLA      *types.SLA
	Metadata map[string]string // merged; empty value deletes the key
}

// Update rewrites caller-editable fields in place. Status is not editable
// here; transitions own status.
func (s *Store) Update(id string, opts UpdateOptions) (*types.Task, error) {
	var changes []string
	t, err := s.updateLocked(id, func(t *types.Task) error {
		if opts.Title != nil && *opts.Title != t.Title {
			if strings.TrimSpace(*opts.Title) == "" {
				return fmt.Errorf("task title is required: %w", errdefs.ErrInvalidArgument)
			}
			t.Title = strings.TrimSpace(*opts.Title)
			changes = append(changes, "title")
		}
		if opts.Priority != nil && *opts.Priority != t.Priority {
			if !opts.Priority.Valid() {
				return fmt.Errorf("unknown priority %q: %w", *opts.Priority, errdefs.ErrInvalidArgument)
			}
			t.Priority = *opts.Priority
			changes = append(changes, "priority")
		}
		if opts.Routing != nil {
			t.Routing = *opts.Routing
			changes = append(changes, "routing")
		}
		if opts.SLA != nil {
			t.SLA = opts.SLA
			changes = append(changes, "sla")
		}
		if opts.Body != nil && *opts.Body != t.Body {
			t.Body = *opts.Body
			t.ContentHash = taskfile.BodyHash(t.Body)
			changes = append(changes, "body")
		}
		for k, v := range opts.Metadata {
			if v == "" {
				t.DeleteMeta(k)
			} else {
				t.SetMeta(k, v)
			}
			changes = append(changes, "metadata."+k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		s.events.Record(&types.Event{
			Type:    types.EventTaskUpdated,
			TaskID:  id,
			Actor:   opts.Actor,
			Payload: map[string]any{"fields": changes},
		})
	}
	return t, nil
}

// AppendWorkLog appends a timestamped note to the card body.
func (s *Store) AppendWorkLog(id, actor, note string) (*types.Task, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("empty work log note: %w", errdefs.ErrInvalidArgument)
	}
	t, err := s.updateLocked(id, func(t *types.Task) error {
		stamp := s.now().UTC().Format(time.RFC3339)
		entry := fmt.Sprintf("- %s %s: %s\n", stamp, actor, note)
		if t.Body == "" {
			t.Body = "## Work log\n\n" + entry
		} else {
			if !strings.HasSuffix(t.Body, "\n") {
				t.Body += "\n"
			}
			t.Body += entry
		}
		t.ContentHash = taskfile.BodyHash(t.Body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Record(&types.Event{
		Type:    types.EventTaskUpdated,
		TaskID:  id,
		Actor:   actor,
		Payload: map[string]any{"fields": []string{"workLog"}},
	})
	return t, nil
}

// Delete removes a card, its working directory, and nothing else. History
// in the event log is retained.
func (s *Store) Delete(id, actor string) error {
	err := s.locks.WithLock(id, func() error {
		_, status, path, err := s.findCard(id)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove card: %w", err)
		}
		if err := os.RemoveAll(s.workDirPath(status, id)); err != nil {
			return fmt.Errorf("remove working dir: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.events.Record(&types.Event{Type: types.EventTaskDeleted, TaskID: id, Actor: actor})
	s.logger.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// EnsureWorkDir creates the task working directory skeleton (inputs/,
// work/, outputs/, subtasks/) and returns its path.
func (s *Store) EnsureWorkDir(id string) (string, error) {
	t, _, _, err := s.findCard(id)
	if err != nil {
		return "", err
	}
	dir := s.workDirPath(t.Status, id)
	for _, sub := range []string{"inputs", "work", "outputs", "subtasks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return dir, nil
}

// WriteTaskOutput stores a deliverable under the task's outputs/ directory.
// The name must stay inside outputs/.
func (s *Store) WriteTaskOutput(id, name string, data []byte) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid output name %q: %w", name, errdefs.ErrInvalidArgument)
	}
	dir, err := s.EnsureWorkDir(id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "outputs", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}
