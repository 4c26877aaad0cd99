package delegation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seldon-engine/aof/pkg/store"
)

// Handoff is the context pack a parent hands to a delegated child: what to
// do, what counts as done, and where to look. It is written twice, as
// machine-readable JSON and as rendered markdown for the agent prompt.
type Handoff struct {
	ParentTaskID       string    `json:"parentTaskId"`
	TaskID             string    `json:"taskId"`
	FromAgent          string    `json:"fromAgent,omitempty"`
	ToAgent            string    `json:"toAgent"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria,omitempty"`
	ExpectedOutputs    []string  `json:"expectedOutputs,omitempty"`
	ContextRefs        []string  `json:"contextRefs,omitempty"`
	Constraints        []string  `json:"constraints,omitempty"`
	DueBy              time.Time `json:"dueBy,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// WriteHandoff stores the handoff pack under the child's inputs/ directory
// and returns the path of the rendered markdown. The child's working
// directory is created when missing.
func WriteHandoff(s *store.Store, childID string, h *Handoff) (string, error) {
	if h == nil {
		return "", fmt.Errorf("nil handoff")
	}
	dir, err := s.EnsureWorkDir(childID)
	if err != nil {
		return "", err
	}
	inputs := filepath.Join(dir, "inputs")

	raw, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal handoff: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(inputs, "handoff.json"), append(raw, '\n')); err != nil {
		return "", err
	}

	mdPath := filepath.Join(inputs, "handoff.md")
	if err := writeFileAtomic(mdPath, []byte(h.Markdown())); err != nil {
		return "", err
	}
	return mdPath, nil
}

// ReadHandoff loads the JSON form of a child's handoff pack. Returns nil
// without error when none was written.
func ReadHandoff(s *store.Store, childID string) (*Handoff, error) {
	t, err := s.Get(childID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.WorkDir(t), "inputs", "handoff.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read handoff: %w", err)
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse handoff: %w", err)
	}
	return &h, nil
}

// Markdown renders the handoff as the prompt-ready document agents read.
func (h *Handoff) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff for %s\n\n", h.TaskID)
	fmt.Fprintf(&b, "Delegated from task %s", h.ParentTaskID)
	if h.FromAgent != "" {
		fmt.Fprintf(&b, " (%s)", h.FromAgent)
	}
	fmt.Fprintf(&b, " to %s.\n", h.ToAgent)
	if !h.DueBy.IsZero() {
		fmt.Fprintf(&b, "\nDue by %s.\n", h.DueBy.UTC().Format(time.RFC3339))
	}

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	section("Acceptance criteria", h.AcceptanceCriteria)
	section("Expected outputs", h.ExpectedOutputs)
	section("Context", h.ContextRefs)
	section("Constraints", h.Constraints)
	return b.String()
}

// writeFileAtomic writes via a temp file in the same directory so readers
// never observe a partial handoff.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
