package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/seldon-engine/aof/pkg/taskfile"
	"github.com/seldon-engine/aof/pkg/types"
)

// IssueKind classifies a board integrity problem found by Lint.
type IssueKind string

const (
	// IssueUnparseableCard is a card file that does not decode.
	IssueUnparseableCard IssueKind = "unparseable_card"
	// IssueStatusMismatch is a card whose header status disagrees with the
	// directory it sits in. The directory is authoritative.
	IssueStatusMismatch IssueKind = "status_mismatch"
	// IssueDuplicateCard is a task id present in more than one status
	// directory, usually a move interrupted between write and remove.
	IssueDuplicateCard IssueKind = "duplicate_card"
	// IssueOrphanWorkDir is a working directory with no card anywhere.
	IssueOrphanWorkDir IssueKind = "orphan_workdir"
	// IssueTempFile is a leftover atomic-write temp file.
	IssueTempFile IssueKind = "temp_file"
	// IssueOrphanPointer is a subtask pointer whose child card is gone.
	IssueOrphanPointer IssueKind = "orphan_pointer"
	// IssueMissingParent is a card naming a parent that has no card.
	IssueMissingParent IssueKind = "missing_parent"
	// IssueMissingDependency is a card depending on an id that has no card.
	IssueMissingDependency IssueKind = "missing_dependency"
)

// Issue is one problem found during a lint pass.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	TaskID string    `json:"taskId,omitempty"`
	Path   string    `json:"path"`
	Detail string    `json:"detail,omitempty"`
}

// DuplicateCards reports task ids whose card file appears in more than one
// status directory, without parsing any card. The scheduler uses this cheap
// scan every poll to refuse acting on torn moves; Lint gives the full
// picture.
func (s *Store) DuplicateCards() (map[string][]types.Status, error) {
	where := make(map[string][]types.Status)
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
			where[id] = append(where[id], status)
		}
	}
	dups := make(map[string][]types.Status)
	for id, statuses := range where {
		if len(statuses) > 1 {
			dups[id] = statuses
		}
	}
	return dups, nil
}

// Lint scans the whole board read-only and reports every integrity issue
// it can detect. It never repairs anything; operators decide what a torn
// move or an orphaned directory should become.
func (s *Store) Lint() ([]Issue, error) {
	var issues []Issue

	// First pass: every card in every status directory. Collect the id set
	// so the later passes can resolve references.
	cardStatus := make(map[string][]types.Status)
	parsed := make(map[string]*types.Task)
	for _, status := range types.AllStatuses {
		dir := s.statusDir(status)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			path := filepath.Join(dir, name)
			if strings.HasPrefix(name, ".tmp-") {
				issues = append(issues, Issue{
					Kind:   IssueTempFile,
					Path:   path,
					Detail: "leftover atomic-write temp file",
				})
				continue
			}
			if entry.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			id := strings.TrimSuffix(name, ".md")
			cardStatus[id] = append(cardStatus[id], status)
			data, err := os.ReadFile(path)
			if err != nil {
				issues = append(issues, Issue{
					Kind: IssueUnparseableCard, TaskID: id, Path: path,
					Detail: err.Error(),
				})
				continue
			}
			t, err := taskfile.Decode(data)
			if err != nil {
				issues = append(issues, Issue{
					Kind: IssueUnparseableCard, TaskID: id, Path: path,
					Detail: err.Error(),
				})
				continue
			}
			if t.Status != status {
				issues = append(issues, Issue{
					Kind: IssueStatusMismatch, TaskID: id, Path: path,
					Detail: "header says " + string(t.Status) + ", directory says " + string(status),
				})
			}
			if _, ok := parsed[id]; !ok {
				parsed[id] = t
			}
		}
	}

	for id, statuses := range cardStatus {
		if len(statuses) < 2 {
			continue
		}
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		issues = append(issues, Issue{
			Kind:   IssueDuplicateCard,
			TaskID: id,
			Path:   s.cardPath(statuses[0], id),
			Detail: "card present in " + strings.Join(names, ", "),
		})
	}

	// Second pass: working directories and the pointers inside them.
	for _, status := range types.AllStatuses {
		dir := s.statusDir(status)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := entry.Name()
			workDir := filepath.Join(dir, id)
			if _, ok := cardStatus[id]; !ok {
				issues = append(issues, Issue{
					Kind:   IssueOrphanWorkDir,
					TaskID: id,
					Path:   workDir,
					Detail: "working directory without a card",
				})
				continue
			}
			pointers, err := os.ReadDir(filepath.Join(workDir, "subtasks"))
			if err != nil {
				continue
			}
			for _, p := range pointers {
				if p.IsDir() || !strings.HasSuffix(p.Name(), ".md") {
					continue
				}
				child := strings.TrimSuffix(p.Name(), ".md")
				if _, ok := cardStatus[child]; !ok {
					issues = append(issues, Issue{
						Kind:   IssueOrphanPointer,
						TaskID: id,
						Path:   filepath.Join(workDir, "subtasks", p.Name()),
						Detail: "pointer to missing subtask " + child,
					})
				}
			}
		}
	}

	// Third pass: references between cards.
	for id, t := range parsed {
		if t.ParentID != "" {
			if _, ok := cardStatus[t.ParentID]; !ok {
				issues = append(issues, Issue{
					Kind:   IssueMissingParent,
					TaskID: id,
					Path:   s.cardPath(cardStatus[id][0], id),
					Detail: "parent " + t.ParentID + " has no card",
				})
			}
		}
		for _, dep := range t.DependsOn {
			if _, ok := cardStatus[dep]; !ok {
				issues = append(issues, Issue{
					Kind:   IssueMissingDependency,
					TaskID: id,
					Path:   s.cardPath(cardStatus[id][0], id),
					Detail: "dependency " + dep + " has no card",
				})
			}
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Kind != issues[j].Kind {
			return issues[i].Kind < issues[j].Kind
		}
		if issues[i].TaskID != issues[j].TaskID {
			return issues[i].TaskID < issues[j].TaskID
		}
		return issues[i].Path < issues[j].Path
	})
	return issues, nil
}
