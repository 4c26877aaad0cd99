/*
Package scheduler drives task dispatch for aof projects.

The scheduler is the only component that moves work forward on its own: it
polls every project board, decides what should happen next, and makes it
happen through the store and the executor. Everything it knows comes from
disk at the top of each poll, so killing and restarting the daemon never
loses scheduling state.

# Architecture

Each poll walks the same pipeline:

	┌─────────────────────────────────────────────────────────────┐
	│                        Poll Loop                            │
	│                  (every pollInterval)                       │
	└────────────────┬────────────────────────────────────────────┘
	                 │
	                 ▼
	┌─────────────────────────────────────────────────────────────┐
	│  1. Snapshot every project: tasks, heartbeats, duplicates   │
	│  2. Plan (pure): reclaims, SLA breaches, promotions,        │
	│     assigns in priority order under the capacity budget     │
	│  3. Execute each action, revalidating against live state    │
	└────────────────┬────────────────────────────────────────────┘
	                 │
	    ┌────────────┼────────────────┬──────────────┐
	    ▼            ▼                ▼              ▼
	┌─────────┐ ┌──────────┐ ┌───────────────┐ ┌───────────┐
	│ assign  │ │ expire / │ │  sla_breach   │ │dependency_│
	│ (spawn) │ │  stale   │ │ alert/block/  │ │ satisfied │
	│         │ │ reclaim  │ │  deadletter   │ │ (promote) │
	└─────────┘ └──────────┘ └───────────────┘ └───────────┘

Planning and execution are deliberately split. Plan is a pure function of
a snapshot, the clock, and the configuration; it is exhaustively testable
without a filesystem. Execution re-fetches every task and drops actions
whose preconditions drifted, logging dispatch.deduped, so two back-to-back
polls over the same state never double-assign.

# Core Components

Scheduler: owns the poll loop and the lease renewal goroutines.

	sched := scheduler.New(reg, exec, notifier, scheduler.DefaultConfig())
	sched.Start()
	defer sched.Stop()

Snapshot and Plan: the read side. BuildSnapshot loads one board; Plan turns
it into []Action ordered reclaims-first so capacity freed by a dead session
is visible to the next poll's assigns.

Config: all knobs as real durations. DefaultConfig ships 4 concurrent
dispatches, 8 assigns per poll, 5m leases, 90s heartbeats, 5s polls.

# Dispatch

An assign runs a fixed sequence: revalidate, write a fresh correlation id
into task metadata, acquire the lease (ready → in-progress plus run.json),
build the TaskContext, spawn. On success the session id lands in metadata,
dispatch.matched is logged, a renewal goroutine keeps the lease alive at a
third of its TTL, and the team throttle is stamped.

Spawn failures are classified by message into rate_limited, timeout,
transient_network, permanent, or unknown. Transient classes block the task
for later retry; permanent ones deadletter it; unknown blocks until the
retry budget is spent. A PlatformLimitError is none of these: it lowers the
process-wide effective cap and puts the task straight back to ready without
charging a retry, because the task did nothing wrong.

# Reclaims

Two ways a running task comes back. An expired lease is handed to the
store's ExpireLease, which demotes to ready or, when dependencies regressed
meanwhile, to blocked. A stale heartbeat under a live lease means the agent
process died or hung: the executor force-completes the session, any
run_result.json the agent managed to write is applied as its verdict, and
otherwise the task returns to ready with the run marked abandoned. Both
paths leave a session.force_completed or task.transitioned trail behind.

# Process State

The team throttle map, the effective concurrency cap, and the draining
flag live in package-level state with InitProcess and ResetProcess, not on
the Scheduler value. Restarting the poll loop must not forget that the
platform asked for a lower ceiling five minutes ago. Tests reset between
cases.

# Corruption

A crash inside a transition can leave one task id filed in two status
directories. The planner skips such tasks entirely and the scheduler
raises a critical notification exactly once per process; repair is an
operator decision, not something to guess at on a timer.

# See Also

  - pkg/store: task cards, leases, and the transition state machine
  - pkg/executor: the session backends dispatch talks to
  - pkg/runfiles: run.json, heartbeats, and result files
  - pkg/daemon: wires the scheduler into daemon lifecycle
*/
package scheduler
