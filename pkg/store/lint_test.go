package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(issues []Issue) map[IssueKind]int {
	out := make(map[IssueKind]int)
	for _, is := range issues {
		out[is.Kind]++
	}
	return out
}

func TestLintCleanBoard(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, CreateRequest{Title: "healthy"})
	_, err := s.EnsureWorkDir(task.ID)
	require.NoError(t, err)

	issues, err := s.Lint()
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestLintFindsUnparseableCard(t *testing.T) {
	s := newTestStore(t)
	bad := filepath.Join(s.Root(), "tasks", "ready", "20250101-000000-abcdef.md")
	require.NoError(t, os.WriteFile(bad, []byte("not a card at all"), 0o644))

	issues, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueUnparseableCard, issues[0].Kind)
	assert.Equal(t, "20250101-000000-abcdef", issues[0].TaskID)
}

func TestLintFindsStatusMismatch(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, CreateRequest{Title: "misfiled"})

	// File the card under ready/ while its header still says backlog.
	src := filepath.Join(s.Root(), "tasks", "backlog", task.ID+".md")
	dst := filepath.Join(s.Root(), "tasks", "ready", task.ID+".md")
	require.NoError(t, os.Rename(src, dst))

	issues, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueStatusMismatch, issues[0].Kind)
	assert.Contains(t, issues[0].Detail, "backlog")
	assert.Contains(t, issues[0].Detail, "ready")
}

func TestLintFindsTornMove(t *testing.T) {
	s := newTestStore(t)
	task := createTask(t, s, CreateRequest{Title: "torn"})

	data, err := os.ReadFile(filepath.Join(s.Root(), "tasks", "backlog", task.ID+".md"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(s.Root(), "tasks", "ready", task.ID+".md"), data, 0o644))

	issues, err := s.Lint()
	require.NoError(t, err)
	found := kinds(issues)
	assert.Equal(t, 1, found[IssueDuplicateCard])
	assert.Equal(t, 1, found[IssueStatusMismatch], "the stray copy also disagrees with its directory")
}

func TestLintFindsLeftoverTempFile(t *testing.T) {
	s := newTestStore(t)
	tmp := filepath.Join(s.Root(), "tasks", "backlog", ".tmp-123456")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	issues, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueTempFile, issues[0].Kind)
	assert.Equal(t, tmp, issues[0].Path)
}

func TestLintFindsOrphanWorkDir(t *testing.T) {
	s := newTestStore(t)
	orphan := filepath.Join(s.Root(), "tasks", "in-progress", "20250101-000000-ffffff")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	issues, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueOrphanWorkDir, issues[0].Kind)
	assert.Equal(t, "20250101-000000-ffffff", issues[0].TaskID)
}

func TestLintFindsOrphanPointer(t *testing.T) {
	s := newTestStore(t)
	parent := createTask(t, s, CreateRequest{Title: "parent"})
	dir, err := s.EnsureWorkDir(parent.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "subtasks", "20250101-000000-eeeeee.md"), []byte("---\n---\n"), 0o644))

	issues, err := s.Lint()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueOrphanPointer, issues[0].Kind)
	assert.Equal(t, parent.ID, issues[0].TaskID)
	assert.Contains(t, issues[0].Detail, "20250101-000000-eeeeee")
}

func TestLintFindsDanglingReferences(t *testing.T) {
	s := newTestStore(t)
	parent := createTask(t, s, CreateRequest{Title: "parent"})
	dep := createTask(t, s, CreateRequest{Title: "dep"})
	child := createTask(t, s, CreateRequest{
		Title: "child", ParentID: parent.ID, DependsOn: []string{dep.ID},
	})

	require.NoError(t, s.Delete(parent.ID, "test"))
	require.NoError(t, s.Delete(dep.ID, "test"))

	issues, err := s.Lint()
	require.NoError(t, err)
	found := kinds(issues)
	assert.Equal(t, 1, found[IssueMissingParent])
	assert.Equal(t, 1, found[IssueMissingDependency])
	for _, is := range issues {
		assert.Equal(t, child.ID, is.TaskID)
	}
}
