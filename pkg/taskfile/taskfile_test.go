package taskfile

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/types"
)

func sampleTask() *types.Task {
	created := time.Date(2026, 3, 11, 14, 30, 22, 0, time.UTC)
	return &types.Task{
		ID:        "20260311-143022-a1b2c3",
		Title:     "Implement retry logic",
		Status:    types.StatusReady,
		Priority:  types.PriorityHigh,
		CreatedAt: created,
		UpdatedAt: created.Add(31 * time.Minute),
		ParentID:  "20260311-120000-f0e1d2",
		DependsOn: []string{"20260310-090000-aaaa11"},
		Routing: types.Routing{
			Agent: "backend-dev",
			Team:  "platform",
			Tags:  []string{"api", "retries"},
		},
		Lease: &types.Lease{
			Agent:      "backend-dev",
			AcquiredAt: created.Add(time.Hour),
			ExpiresAt:  created.Add(time.Hour + 5*time.Minute),
			RenewCount: 2,
		},
		Metadata: map[string]string{
			types.MetaCorrelationID: "3f1a9b22-0000-4000-8000-deadbeef0001",
			types.MetaRetryCount:    "1",
		},
		Body: "Retry transient failures with backoff.\n\n- cap attempts at 3\n",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := sampleTask()
	original.ContentHash = BodyHash(original.Body)

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Title, decoded.Title)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Priority, decoded.Priority)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	assert.True(t, original.UpdatedAt.Equal(decoded.UpdatedAt))
	assert.Equal(t, original.ParentID, decoded.ParentID)
	assert.Equal(t, original.DependsOn, decoded.DependsOn)
	assert.Equal(t, original.Routing, decoded.Routing)
	assert.Equal(t, original.Metadata, decoded.Metadata)
	assert.Equal(t, original.ContentHash, decoded.ContentHash)
	assert.Equal(t, original.Body, decoded.Body)

	require.NotNil(t, decoded.Lease)
	assert.Equal(t, original.Lease.Agent, decoded.Lease.Agent)
	assert.Equal(t, original.Lease.RenewCount, decoded.Lease.RenewCount)
	assert.True(t, original.Lease.ExpiresAt.Equal(decoded.Lease.ExpiresAt))
}

func TestDecodePreservesUnknownHeaderFields(t *testing.T) {
	card := `---
id: 20260311-143022-a1b2c3
title: Spike
status: backlog
priority: normal
createdAt: 2026-03-11T14:30:22Z
updatedAt: 2026-03-11T14:30:22Z
estimatePoints: 5
reviewers:
  - alice
---

Body text.
`
	task, err := Decode([]byte(card))
	require.NoError(t, err)

	assert.Equal(t, 5, task.Extra["estimatePoints"])
	assert.Equal(t, []any{"alice"}, task.Extra["reviewers"])

	// Unknown fields come back out on encode.
	out, err := Encode(task)
	require.NoError(t, err)
	assert.Contains(t, string(out), "estimatePoints: 5")
	assert.Contains(t, string(out), "- alice")

	again, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, task.Extra, again.Extra)
}

func TestDecodeWithoutBody(t *testing.T) {
	card := "---\nid: t1\ntitle: Bare\nstatus: backlog\npriority: low\ncreatedAt: 2026-01-01T00:00:00Z\nupdatedAt: 2026-01-01T00:00:00Z\n---\n"
	task, err := Decode([]byte(card))
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "", task.Body)
}

func TestDecodeBodyWithDashRuns(t *testing.T) {
	body := "intro\n\n----\n\nafter a horizontal rule\n"
	task := &types.Task{
		ID:        "t2",
		Title:     "Rule",
		Status:    types.StatusBacklog,
		Priority:  types.PriorityNormal,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Body:      body,
	}

	data, err := Encode(task)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.Body)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no fence at all", "id: t1\ntitle: x\n"},
		{"fence not closed", "---\nid: t1\ntitle: x\n"},
		{"fence with trailing text", "--- yaml\nid: t1\n---\n"},
		{"header not yaml", "---\n\t:::\n---\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err), "want invalid-argument, got %v", err)
		})
	}
}

func TestBodyHash(t *testing.T) {
	h := BodyHash("do the thing\n")

	assert.Contains(t, h, "sha256:")
	assert.Equal(t, h, BodyHash("do the thing"))
	assert.Equal(t, h, BodyHash("do the thing\n\n"))
	assert.NotEqual(t, h, BodyHash("do the other thing\n"))
}
