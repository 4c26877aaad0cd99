// Package executor launches and supervises agent sessions for dispatched
// tasks. It is the boundary between the scheduler, which decides what should
// run, and the agent platform, which actually runs it.
//
// # Architecture
//
// The scheduler talks to a single small interface:
//
//	┌───────────────┐   Spawn / ForceComplete   ┌──────────────────┐
//	│   scheduler   │ ─────────────────────────▶ │     Executor     │
//	└───────────────┘                            ├──────────────────┤
//	                                             │ Exec  (process)  │
//	                                             │ Mock  (tests)    │
//	                                             │ Null  (discard)  │
//	                                             └──────────────────┘
//
// Spawn is handed a types.TaskContext (everything an agent needs to find its
// card and working directory) plus per-dispatch options, and returns an
// opaque session id. ForceComplete ends a session the scheduler has decided
// is dead, typically after its heartbeat went stale.
//
// # Core Components
//
//   - Executor: the interface the scheduler dispatches through.
//   - SpawnOptions: timeout and correlation id for one dispatch.
//   - PlatformLimitError: returned when the agent platform refuses new
//     sessions; the scheduler lowers its effective concurrency in response.
//   - Exec: production adapter. Runs one subprocess per session with the
//     task context on stdin and in AOF_* environment variables, owns the
//     session's heartbeat file, and clamps timeouts up to a configured
//     floor.
//   - Mock: test adapter. Deterministic mock-session-<n> ids, scripted
//     failures, one-shot platform-limit simulation, optional auto-written
//     run results.
//   - Null: accepts everything and starts nothing, for boards where agents
//     attach themselves over the protocol.
//
// # Session Lifecycle
//
// An Exec session runs under its own context deadline, detached from the
// poll that dispatched it. Two goroutines attend it: one refreshes
// run_heartbeat.json at a third of the heartbeat TTL, one reaps the process
// and retires the session. The agent reports its verdict by writing
// run_result.json into the working directory before exiting; the executor
// never interprets results, it only keeps the session alive and observable.
//
// # Usage
//
//	exe, err := executor.NewExec(executor.ExecConfig{
//	    Command:         "/usr/local/bin/agent-shim",
//	    MinSpawnTimeout: 5 * time.Minute,
//	    HeartbeatTTL:    90 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := exe.Spawn(ctx, taskCtx, executor.SpawnOptions{
//	    Timeout:       30 * time.Minute,
//	    CorrelationID: corrID,
//	})
//
// # Integration Points
//
//   - pkg/scheduler: dispatches through Spawn, reclaims through
//     ForceComplete, and reacts to PlatformLimitError.
//   - pkg/runfiles: heartbeat and result files written under the task's
//     working directory.
//   - pkg/types: TaskContext carried into the session.
//
// # See Also
//
//   - pkg/scheduler for dispatch planning and failure classification
//   - pkg/store for lease acquisition around each session
package executor
