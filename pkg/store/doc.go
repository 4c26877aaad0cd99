/*
Package store implements AOF's filesystem task store, the single source of
truth for every task card in a project.

A task lives as a markdown card with a YAML header, filed under the
directory named after its current status. Moving a task through its
lifecycle means moving the file. There is no database: the directory tree
IS the state, which makes the store inspectable with ls and greppable with
standard tools, and means a crash can never leave state only in memory.

# Architecture

	┌───────────────────── PROJECT TASK STORE ─────────────────────┐
	│                                                                │
	│  <project root>/tasks/                                         │
	│  ┌──────────────────────────────────────────────┐             │
	│  │ backlog/      20250812-091500-a3f.md         │             │
	│  │ ready/        20250812-102200-77b.md         │             │
	│  │ in-progress/  20250812-084113-c01.md         │             │
	│  │               20250812-084113-c01/           │ ← work dir  │
	│  │                 inputs/ work/ outputs/       │             │
	│  │                 subtasks/ run.json           │             │
	│  │ blocked/      review/   done/                │             │
	│  │ cancelled/    deadletter/                    │             │
	│  └──────────────────────────────────────────────┘             │
	│                                                                │
	│  ┌──────────────┐   per-task keyed mutex   ┌───────────────┐  │
	│  │  Store       ├──────────────────────────▶  locks.Manager│  │
	│  │  - Create    │                           └───────────────┘  │
	│  │  - Get/List  │   one line per mutation   ┌───────────────┐  │
	│  │  - Update    ├──────────────────────────▶  eventlog      │  │
	│  │  - Transition│                           └───────────────┘  │
	│  │  - Leases    │   atomic write + rename                     │
	│  │  - Lint      │   temp file → fsync → mv                    │
	│  └──────────────┘                                              │
	└────────────────────────────────────────────────────────────────┘

# Core Components

Store:
  - One instance per project, rooted at the project directory
  - Serializes all mutations per task id through a locks.Manager
  - Emits one eventlog entry for every successful mutation
  - Never caches cards; every read goes to disk

Status directories:
  - backlog, ready, in-progress, blocked, review, done, cancelled,
    deadletter
  - The directory a card sits in is authoritative; the header status
    field is a convenience copy and lint flags any disagreement

Working directories:
  - Created on demand next to the card (tasks/<status>/<id>/)
  - Fixed skeleton: inputs/, work/, outputs/, subtasks/
  - Travel with the card on every transition (os.Rename)
  - Hold run.json, run_heartbeat.json and run_result.json during a run

Transitions:
  - validTransitions is the complete edge list of the state machine
  - Every edge into ready checks that all dependencies are done
  - Entering a terminal status or leaving in-progress clears the lease
  - Write order: new card, remove old card, move work dir, emit event,
    fire hooks. A crash between the first two steps leaves a duplicate
    that List excludes and Lint reports.

Leases:
  - AcquireLease moves ready → in-progress and stamps holder and expiry
  - RenewLease extends the expiry for the holder only
  - ExpireLease reclaims lapsed in-progress tasks back to ready, or to
    blocked when dependencies regressed underneath the run
  - ExpireLeases sweeps the whole board, used by the scheduler tick

Run results:
  - ApplyRunResult maps an agent's reported outcome (complete,
    needs_review, blocked) onto lifecycle walks and block transitions
  - Shared by the protocol router and the scheduler's reclaim paths so
    both apply identical semantics

Lint:
  - Read-only integrity scan of the whole board
  - Detects torn moves, unparseable cards, header/directory mismatch,
    leftover temp files, orphaned work dirs and pointers, dangling
    parent and dependency references
  - Never repairs; it reports so an operator can decide

# Write Discipline

Every card write follows the same sequence:

 1. Create a temp file (.tmp-*) in the destination directory
 2. Write the encoded card and fsync the file
 3. Rename over the final path
 4. fsync the directory

Rename within a directory is atomic on POSIX filesystems, so a reader
never observes a half-written card. Temp files that survive a crash are
harmless and show up in Lint as temp_file issues.

Transitions additionally remove the card from the old status directory
after the new one is durable. The failure window between the two steps
produces a duplicate card rather than a lost one; duplicates are treated
as corruption and excluded from List until resolved.

# Usage

Opening a store and creating a task:

	st, err := store.Open(projectDir, "payments", events)
	if err != nil {
		return err
	}

	task, err := st.Create(store.CreateRequest{
		Title:    "Rotate the signing keys",
		Body:     "## Goal\nRotate and re-publish the JWKS.",
		Priority: types.PriorityHigh,
		Routing:  types.Routing{Team: "platform"},
		Actor:    "cli",
	})

Walking the lifecycle:

	_, err = st.Transition(task.ID, types.StatusReady, store.TransitionOptions{Actor: "cli"})
	_, err = st.AcquireLease(task.ID, "agent-7", 5*time.Minute)
	_, err = st.RenewLease(task.ID, "agent-7", 5*time.Minute)

	res := &runfiles.RunResult{Outcome: runfiles.OutcomeComplete}
	_, err = st.ApplyRunResult(task.ID, res, "agent-7", false)

Reading the board:

	counts, err := st.CountByStatus()
	ready, err := st.List(store.Filter{Statuses: []types.Status{types.StatusReady}})

Integrity check:

	issues, err := st.Lint()
	for _, is := range issues {
		fmt.Printf("%s %s %s\n", is.Kind, is.TaskID, is.Detail)
	}

# Integration Points

This package integrates with:

  - pkg/taskfile: card encoding and decoding
  - pkg/types: task, status, lease and event definitions
  - pkg/locks: per-task mutual exclusion
  - pkg/eventlog: audit trail for every mutation
  - pkg/runfiles: run.json lifecycle during leases and completion
  - pkg/delegation: registered as a transition hook for pointer upkeep
  - pkg/scheduler: drives dispatch, expiry sweeps and SLA checks
  - pkg/protocol: routes agent reports into transitions and results

# Design Patterns

Directory as state:
  - Status changes are file moves, not field updates
  - Readers can trust a directory listing without parsing anything
  - Recovery after a crash is a directory scan, not a log replay

Per-task locking:
  - All mutations take the task's keyed mutex first
  - Different tasks proceed in parallel; one task is strictly serial
  - Locks are process-local; the store assumes one writing process

Read-modify-write under lock:
  - Update, Transition and the lease calls re-read the card inside the
    lock, mutate, then write. No caller-held task struct is trusted.

Events as side effects:
  - Event emission failures are logged and swallowed
  - A full event log never blocks a task mutation

Hooks after durability:
  - Transition hooks run after the move is complete on disk
  - Hook errors are logged, never propagated to the caller

# Error Handling

Errors follow the containerd errdefs taxonomy:

  - errdefs.ErrInvalidArgument: bad ids, titles, unknown statuses
  - errdefs.ErrNotFound: no card anywhere for the id
  - errdefs.ErrConflict: illegal edge, lease held by someone else
  - errdefs.ErrPermissionDenied: renew or release by a non-holder
  - errdefs.ErrFailedPrecondition: unmet dependencies, lapsed lease
  - errdefs.ErrDataLoss: corrupt or ambiguous on-disk state

Callers branch with errdefs.IsNotFound(err) and friends rather than
string matching.

# Performance Characteristics

  - Get by id: one stat per status directory until found, then one read
  - List: one ReadDir per status directory plus one read per card
  - Transition: two card writes, one rename, two directory fsyncs
  - Suited to boards of hundreds to low thousands of live tasks; done/
    and cancelled/ can grow large without affecting the hot paths

# See Also

  - pkg/taskfile for the card format
  - pkg/scheduler for the poll loop that drives this store
  - pkg/delegation for parent/subtask pointer upkeep
*/
package store
