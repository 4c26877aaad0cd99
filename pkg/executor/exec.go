package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/runfiles"
	"github.com/seldon-engine/aof/pkg/types"
)

// ExecConfig configures the subprocess executor.
type ExecConfig struct {
	// Command is the agent launcher binary. Required.
	Command string
	// Args are passed before the generated arguments.
	Args []string
	// MinSpawnTimeout is the floor for session timeouts. Requests below it
	// are clamped up, never down.
	MinSpawnTimeout time.Duration
	// HeartbeatTTL is how long a heartbeat stays fresh. The executor beats
	// at a third of this.
	HeartbeatTTL time.Duration
}

// DefaultExecConfig returns the stock subprocess settings.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		MinSpawnTimeout: 5 * time.Minute,
		HeartbeatTTL:    90 * time.Second,
	}
}

type execSession struct {
	taskID  string
	agent   string
	workDir string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Exec launches one agent subprocess per session. The task context rides in
// on stdin as JSON and in AOF_* environment variables; the executor owns the
// session's heartbeat file until the process exits.
type Exec struct {
	cfg    ExecConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*execSession
	wg       sync.WaitGroup
}

// NewExec creates a subprocess executor.
func NewExec(cfg ExecConfig) (*Exec, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("executor command required: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.MinSpawnTimeout <= 0 {
		cfg.MinSpawnTimeout = DefaultExecConfig().MinSpawnTimeout
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultExecConfig().HeartbeatTTL
	}
	return &Exec{
		cfg:      cfg,
		logger:   log.WithComponent("executor"),
		sessions: make(map[string]*execSession),
	}, nil
}

// Spawn starts the agent subprocess for a task. The session runs under its
// own deadline, detached from the caller's context, so it survives the poll
// that dispatched it.
func (e *Exec) Spawn(_ context.Context, tc types.TaskContext, opts SpawnOptions) (*SpawnResult, error) {
	timeout := opts.Timeout
	if timeout < e.cfg.MinSpawnTimeout {
		timeout = e.cfg.MinSpawnTimeout
	}

	sessionID := uuid.NewString()
	payload, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("marshal task context: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	cmd := exec.CommandContext(runCtx, e.cfg.Command, e.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"AOF_TASK_ID="+tc.TaskID,
		"AOF_PROJECT_ID="+tc.ProjectID,
		"AOF_PROJECT_ROOT="+tc.ProjectRoot,
		"AOF_TASK_PATH="+tc.CardPath,
		"AOF_WORK_DIR="+tc.WorkDir,
		"AOF_AGENT="+tc.Agent,
		"AOF_CORRELATION_ID="+opts.CorrelationID,
		"AOF_SESSION_ID="+sessionID,
	)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	sess := &execSession{
		taskID:  tc.TaskID,
		agent:   tc.Agent,
		workDir: tc.WorkDir,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	e.sessions[sessionID] = sess
	e.mu.Unlock()

	e.logger.Info().
		Str("task_id", tc.TaskID).
		Str("agent_id", tc.Agent).
		Str("session_id", sessionID).
		Int("pid", cmd.Process.Pid).
		Dur("timeout", timeout).
		Msg("Agent session started")

	e.wg.Add(2)
	go e.heartbeatLoop(sess)
	go e.waitLoop(sessionID, sess, cmd)

	return &SpawnResult{SessionID: sessionID}, nil
}

// heartbeatLoop refreshes the session's heartbeat file until the process
// exits.
func (e *Exec) heartbeatLoop(sess *execSession) {
	defer e.wg.Done()

	interval := e.cfg.HeartbeatTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := runfiles.Beat(sess.workDir, sess.taskID, sess.agent, time.Now().UTC(), e.cfg.HeartbeatTTL); err != nil {
		e.logger.Warn().Err(err).Str("task_id", sess.taskID).Msg("Heartbeat write failed")
	}
	for {
		select {
		case <-ticker.C:
			if _, err := runfiles.Beat(sess.workDir, sess.taskID, sess.agent, time.Now().UTC(), e.cfg.HeartbeatTTL); err != nil {
				e.logger.Warn().Err(err).Str("task_id", sess.taskID).Msg("Heartbeat write failed")
			}
		case <-sess.done:
			return
		}
	}
}

// waitLoop reaps the process and retires the session.
func (e *Exec) waitLoop(sessionID string, sess *execSession, cmd *exec.Cmd) {
	defer e.wg.Done()

	err := cmd.Wait()
	close(sess.done)
	sess.cancel()

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	evt := e.logger.Info()
	if err != nil {
		evt = e.logger.Warn().Err(err)
	}
	evt.Str("task_id", sess.taskID).Str("session_id", sessionID).Msg("Agent session ended")
}

// ForceComplete kills the session's process and waits briefly for it to be
// reaped. Unknown sessions are already gone and report not found.
func (e *Exec) ForceComplete(ctx context.Context, sessionID, reason string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}

	e.logger.Warn().
		Str("task_id", sess.taskID).
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("Force completing agent session")

	sess.cancel()
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("session %s did not exit: %w", sessionID, errdefs.ErrUnavailable)
	}
}

// Shutdown cancels every live session and waits for the reapers to finish.
func (e *Exec) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, sess := range e.sessions {
		sess.cancel()
	}
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
