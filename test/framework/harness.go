// Package framework provides the daemon harness and waiters shared by the
// integration tests. A Harness runs a real daemon over a temp data dir and
// talks to it the way operators and agents do: through the unix socket.
package framework

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seldon-engine/aof/pkg/client"
	"github.com/seldon-engine/aof/pkg/daemon"
	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/health"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/scheduler"
	"github.com/seldon-engine/aof/pkg/types"
)

// startTimeout bounds daemon boot and drain in tests.
const startTimeout = 15 * time.Second

// Options tune the harness daemon. Zero values run a fast-polling daemon
// with a mock executor that never auto-completes.
type Options struct {
	// Projects maps project id to a project.yaml body written before the
	// daemon starts. The _inbox project exists regardless.
	Projects map[string]string

	// Executor overrides the default mock. The harness only exposes Mock
	// knobs when the executor is (or embeds) *executor.Mock.
	Executor executor.Executor

	// AutoComplete makes the default mock write a complete verdict as
	// soon as a session starts.
	AutoComplete bool

	Scheduler scheduler.Config
	Router    protocol.Config
}

// Harness is one running daemon plus the client pointed at its socket.
type Harness struct {
	t       *testing.T
	DataDir string
	Client  *client.Client
	Mock    *executor.Mock
}

// Start boots a daemon for the test and registers its drain as cleanup.
// The daemon is healthy (socket answering) when Start returns.
func Start(t *testing.T, opts Options) *Harness {
	t.Helper()
	root := t.TempDir()
	for id, manifest := range opts.Projects {
		dir := filepath.Join(root, "projects", id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(manifest), 0o644))
	}

	exe := opts.Executor
	var mock *executor.Mock
	if exe == nil {
		mock = executor.NewMock()
		mock.AutoComplete = opts.AutoComplete
		exe = mock
	} else if m, ok := exe.(*executor.Mock); ok {
		mock = m
	}

	cfg := opts.Scheduler
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	d, err := daemon.New(daemon.Config{
		DataDir:   root,
		Executor:  exe,
		Scheduler: cfg,
		Router:    opts.Router,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(startTimeout)
	for {
		select {
		case err := <-done:
			cancel()
			t.Fatalf("daemon exited during startup: %v", err)
		default:
		}
		if health.NewSocketChecker(d.SocketPath()).Check(context.Background()).Healthy {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not become healthy")
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon drain: %v", err)
			}
		case <-time.After(startTimeout):
			t.Error("daemon did not drain in time")
		}
	})

	return &Harness{
		t:       t,
		DataDir: root,
		Client:  client.New(d.SocketPath()),
		Mock:    mock,
	}
}

// CreateTask files a card through the tool API and returns its id.
func (h *Harness) CreateTask(p protocol.CreateParams) string {
	h.t.Helper()
	res, err := h.Client.CreateTask(context.Background(), p)
	require.NoError(h.t, err)
	id := res.Meta["taskId"]
	require.NotEmpty(h.t, id)
	return id
}

// Dispatch routes a task through the dispatch tool: promote to ready and
// wake the scheduler.
func (h *Harness) Dispatch(projectID, taskID, agent string) {
	h.t.Helper()
	_, err := h.Client.Dispatch(context.Background(), protocol.DispatchParams{
		ProjectID: projectID,
		TaskID:    taskID,
		Agent:     agent,
		Actor:     "test",
	})
	require.NoError(h.t, err)
}

// Task fetches one task and fails the test when it cannot.
func (h *Harness) Task(projectID, taskID string) *types.Task {
	h.t.Helper()
	task, err := h.Client.Task(context.Background(), projectID, taskID)
	require.NoError(h.t, err)
	return task
}

// Send submits an envelope and returns the daemon's verdict.
func (h *Harness) Send(env *protocol.Envelope) error {
	h.t.Helper()
	_, err := h.Client.Envelope(context.Background(), env)
	return err
}

// WorkDir resolves a task's working directory from the live board. The
// directory travels with the card, so the path depends on current status.
func (h *Harness) WorkDir(projectID, taskID string) string {
	h.t.Helper()
	task := h.Task(projectID, taskID)
	return filepath.Join(h.DataDir, "projects", projectID,
		"tasks", string(task.Status), task.ID)
}

// Events queries a project's event history.
func (h *Harness) Events(q client.EventQuery) []*types.Event {
	h.t.Helper()
	events, err := h.Client.Events(context.Background(), q)
	require.NoError(h.t, err)
	return events
}
