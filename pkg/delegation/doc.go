/*
Package delegation maintains the parent/child view of the board: subtask
pointer files and handoff context packs.

A parent task sees its children through pointer files in its own working
directory, one markdown file per child under subtasks/. A child receives
its marching orders through a handoff pack under inputs/. Both are
projections of store state, written by this package and never treated as
authority.

# Architecture

	tasks/in-progress/20250812-084113-c01/        ← parent work dir
	  subtasks/
	    20250812-102200-77b.md                    ← pointer to child
	    20250812-103500-1fa.md
	tasks/ready/20250812-102200-77b/              ← child work dir
	  inputs/
	    handoff.json                              ← machine-readable pack
	    handoff.md                                ← prompt-ready rendering

# Pointer Files

Each pointer carries a YAML header (id, title, status, priority, agent,
parentId) and a body with project-relative paths to the child's card and
handoff document. Content is derived purely from the child's current
state: no timestamps, no counters. Because of that, regenerating every
pointer from a clean slate reproduces the exact same bytes, and the
synchronizer can skip any write whose target already matches.

The Synchronizer registers as a store transition hook. After every
committed move it rebuilds the parent→children map, rewrites stale
pointers, and prunes pointers whose child no longer exists. The hook runs
on the transitioning goroutine; failures are logged and never block the
transition itself.

# Handoff Packs

WriteHandoff records what a parent delegated: acceptance criteria,
expected outputs, context references, constraints, and an optional due
time. The JSON form is for tooling; the markdown form is injected into
the child agent's context at dispatch. The protocol router writes the
pack when it accepts a handoff.request envelope.

# Usage

	sync := delegation.Attach(st)       // registers the store hook
	if err := sync.Sync(); err != nil { // full rebuild, e.g. at startup
		return err
	}

	_, err := delegation.WriteHandoff(st, childID, &delegation.Handoff{
		ParentTaskID:       parentID,
		TaskID:             childID,
		ToAgent:            "reviewer",
		AcceptanceCriteria: []string{"all checks green"},
	})

# Integration Points

  - pkg/store: transition hook registration, work dir location
  - pkg/protocol: writes handoff packs for handoff.request envelopes
  - pkg/scheduler: dispatch includes handoff.md in the task context
  - pkg/store Lint reports pointers whose child card disappeared

# Invariants

  - Pointers are rebuildable: Sync twice, get identical trees
  - A pointer never outlives its child: pruned on the next sync
  - Handoff writes are atomic; agents never read a torn pack
*/
package delegation
