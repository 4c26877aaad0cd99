package framework

import (
	"time"

	"github.com/seldon-engine/aof/pkg/client"
	"github.com/seldon-engine/aof/pkg/types"
)

// Waiting defaults. The daemon polls every 50ms in the harness, so a
// condition that has not held within waitTimeout is a real failure, not a
// slow machine.
const (
	waitTimeout  = 10 * time.Second
	waitInterval = 25 * time.Millisecond
)

// Eventually polls cond until it holds or the timeout lapses.
func (h *Harness) Eventually(desc string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(waitInterval)
	}
}

// WaitForStatus blocks until the task reaches want and returns it there.
func (h *Harness) WaitForStatus(projectID, taskID string, want types.Status) *types.Task {
	h.t.Helper()
	var got *types.Task
	h.Eventually("task "+taskID+" to reach "+string(want), func() bool {
		got = h.Task(projectID, taskID)
		return got.Status == want
	})
	return got
}

// WaitForMeta blocks until the task carries a non-empty value for key and
// returns that value.
func (h *Harness) WaitForMeta(projectID, taskID, key string) string {
	h.t.Helper()
	var val string
	h.Eventually("task "+taskID+" metadata "+key, func() bool {
		val = h.Task(projectID, taskID).Meta(key)
		return val != ""
	})
	return val
}

// WaitForEvent blocks until the query matches at least one event and
// returns the first match.
func (h *Harness) WaitForEvent(q client.EventQuery) *types.Event {
	h.t.Helper()
	var got *types.Event
	desc := "event"
	if len(q.Types) > 0 {
		desc = "event " + q.Types[0]
	}
	h.Eventually(desc, func() bool {
		events := h.Events(q)
		if len(events) == 0 {
			return false
		}
		got = events[0]
		return true
	})
	return got
}
