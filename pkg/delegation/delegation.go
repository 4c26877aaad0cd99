package delegation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// Pointer is the header of a subtask pointer file. One pointer per child
// sits under the parent's subtasks/ directory, mirroring the child's card.
// Pointers are a view, never authority: rebuilding them from the store must
// reproduce the same bytes.
type Pointer struct {
	ID       string         `yaml:"id"`
	Title    string         `yaml:"title"`
	Status   types.Status   `yaml:"status"`
	Priority types.Priority `yaml:"priority"`
	Agent    string         `yaml:"agent,omitempty"`
	ParentID string         `yaml:"parentId"`
}

// EncodePointer renders a pointer file: YAML header between fences, then
// relative paths to the child's card and handoff artifact. Content depends
// only on the child's state so regeneration is byte-stable.
func EncodePointer(p *Pointer, cardPath, handoffPath string) ([]byte, error) {
	header, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pointer header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n")
	fmt.Fprintf(&buf, "card: %s\n", cardPath)
	if handoffPath != "" {
		fmt.Fprintf(&buf, "handoff: %s\n", handoffPath)
	}
	return buf.Bytes(), nil
}

// DecodePointer parses the header of a pointer file.
func DecodePointer(data []byte) (*Pointer, error) {
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return nil, fmt.Errorf("pointer file has no header fence")
	}
	header, _, ok := bytes.Cut(rest, []byte("---\n"))
	if !ok {
		return nil, fmt.Errorf("pointer file has no closing fence")
	}
	var p Pointer
	if err := yaml.Unmarshal(header, &p); err != nil {
		return nil, fmt.Errorf("parse pointer header: %w", err)
	}
	return &p, nil
}

// Synchronizer keeps parent subtasks/ directories in step with the board.
// It registers as a store transition hook and rebuilds the pointer tree
// after every committed move.
type Synchronizer struct {
	store  *store.Store
	logger zerolog.Logger
}

// Attach builds a synchronizer for a store and registers its hook. Call
// once per store, before the store starts taking traffic.
func Attach(s *store.Store) *Synchronizer {
	y := &Synchronizer{
		store: s,
		logger: log.WithComponent("delegation").With().
			Str("project_id", s.ProjectID()).Logger(),
	}
	s.OnTransition(y.onTransition)
	return y
}

func (y *Synchronizer) onTransition(ev store.TransitionEvent) {
	if err := y.Sync(); err != nil {
		y.logger.Warn().Err(err).Str("task_id", ev.Task.ID).
			Msg("subtask pointer sync failed")
	}
}

// Sync rebuilds every parent's subtasks/ directory from the board: one
// pointer per live child, orphans pruned, unchanged files left untouched.
func (y *Synchronizer) Sync() error {
	tasks, err := y.store.List(store.Filter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	children := make(map[string][]*types.Task)
	for _, t := range tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
	}

	for _, parent := range tasks {
		kids := children[parent.ID]
		dir := filepath.Join(y.store.WorkDir(parent), "subtasks")
		if len(kids) == 0 {
			// Nothing to write; prune any leftovers if the directory exists.
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				continue
			}
		} else {
			if _, err := y.store.EnsureWorkDir(parent.ID); err != nil {
				return fmt.Errorf("parent %s: %w", parent.ID, err)
			}
		}
		if err := y.syncParentDir(dir, kids); err != nil {
			return fmt.Errorf("parent %s: %w", parent.ID, err)
		}
	}
	return nil
}

// syncParentDir writes one pointer per child into dir and removes every
// pointer that no longer names a child.
func (y *Synchronizer) syncParentDir(dir string, kids []*types.Task) error {
	want := make(map[string]bool, len(kids))
	for _, child := range kids {
		want[child.ID+".md"] = true
		data, err := y.renderPointer(child)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, child.ID+".md")
		if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write pointer %s: %w", child.ID, err)
		}
		y.logger.Debug().Str("task_id", child.ID).Msg("subtask pointer refreshed")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || want[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("prune pointer %s: %w", name, err)
		}
		y.logger.Debug().Str("pointer", name).Msg("orphan subtask pointer pruned")
	}
	return nil
}

func (y *Synchronizer) renderPointer(child *types.Task) ([]byte, error) {
	root := y.store.Root()
	cardRel, err := filepath.Rel(root, y.store.CardPath(child))
	if err != nil {
		return nil, fmt.Errorf("relativize card path: %w", err)
	}
	handoffRel := ""
	handoffAbs := filepath.Join(y.store.WorkDir(child), "inputs", "handoff.md")
	if _, err := os.Stat(handoffAbs); err == nil {
		if handoffRel, err = filepath.Rel(root, handoffAbs); err != nil {
			return nil, fmt.Errorf("relativize handoff path: %w", err)
		}
	}
	return EncodePointer(&Pointer{
		ID:       child.ID,
		Title:    child.Title,
		Status:   child.Status,
		Priority: child.Priority,
		Agent:    child.Routing.Agent,
		ParentID: child.ParentID,
	}, cardRel, handoffRel)
}
