package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/types"
)

func openTestLog(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, "proj-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, dir
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l, dir := openTestLog(t)

	for i := 0; i < 3; i++ {
		err := l.Append(&types.Event{Type: types.EventTaskCreated, TaskID: "t1"})
		require.NoError(t, err)
	}

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].EventID)
	assert.Equal(t, int64(2), events[1].EventID)
	assert.Equal(t, int64(3), events[2].EventID)

	for _, e := range events {
		assert.Equal(t, "proj-1", e.ProjectID)
		assert.False(t, e.Timestamp.IsZero())
	}

	// One file for today.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}\.jsonl$`, entries[0].Name())
}

func TestSequenceRecoveredAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, "proj-1")
	require.NoError(t, err)
	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskCreated}))
	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskUpdated}))
	require.NoError(t, l.Close())

	l2, err := Open(dir, "proj-1")
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l2.Append(&types.Event{Type: types.EventTaskCompleted}))

	events, err := l2.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].EventID, "sequence must continue after restart")
	assert.False(t, l2.LastEventAt().IsZero())
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	l, dir := openTestLog(t)

	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskCreated, TaskID: "t1"}))

	// Simulate a crash mid-write: a torn trailing line.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	path := filepath.Join(dir, files[0].Name())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"eventId":2,"type":"task.tra`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTaskCreated, events[0].Type)
}

func TestQueryFilters(t *testing.T) {
	l, _ := openTestLog(t)

	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskCreated, TaskID: "t1", Actor: "alice"}))
	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskTransitioned, TaskID: "t1", Actor: "scheduler"}))
	require.NoError(t, l.Append(&types.Event{Type: types.EventTaskCreated, TaskID: "t2", Actor: "bob"}))

	byTask, err := l.Query(Filter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	byType, err := l.Query(Filter{Types: []string{types.EventTaskCreated}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byActor, err := l.Query(Filter{Actor: "scheduler"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, types.EventTaskTransitioned, byActor[0].Type)

	limited, err := l.Query(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	future, err := l.Query(Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestSubscribersSeeAppends(t *testing.T) {
	l, _ := openTestLog(t)

	sub := l.Subscribe()
	defer l.Unsubscribe(sub)

	require.NoError(t, l.Append(&types.Event{Type: types.EventDispatchMatched, TaskID: "t1"}))

	select {
	case e := <-sub:
		assert.Equal(t, types.EventDispatchMatched, e.Type)
		assert.Equal(t, "t1", e.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())

	// Append on a closed log errors; Record must not panic or propagate.
	err := l.Append(&types.Event{Type: types.EventTaskCreated})
	require.Error(t, err)
	l.Record(&types.Event{Type: types.EventTaskCreated})
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())
	assert.Error(t, l.Append(&types.Event{Type: types.EventTaskCreated}))
}
