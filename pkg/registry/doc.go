/*
Package registry discovers projects under a data root and hands out their
stores and event logs.

Every project is a directory under <root>/projects/ with a project.yaml
manifest, a tasks/ tree, and an events/ log directory. The registry is the
only component that knows this layout end to end; everything above it asks
for a project by id and receives an opened store.

# Discovery

Discover walks <root>/projects once and returns a record per directory:

  - a parseable manifest yields Record{ID, Path, Manifest}
  - a missing or broken manifest yields Record{..., Err} so operators can
    see the project exists and why it is unusable
  - a manifest whose id disagrees with its directory name is flagged
  - archived projects are dropped unless includeArchived is set
  - the reserved _inbox project is always in the result, synthesized when
    its directory has not been created yet

# The Inbox

Unrouted work lands in _inbox. The registry guarantees it exists: the
first Open(_inbox) writes a default manifest and lets the store create
the status directory skeleton. Tasks created through the protocol without
a project id go here.

# Caching

Open(projectID) opens a project exactly once per process and returns the
cached store afterwards. Initializers registered with OnOpen run once per
newly opened store; the daemon uses this to attach the delegation
synchronizer before the store takes traffic. Close shuts the cached event
logs; stores themselves hold no file handles between operations.

# Usage

	reg := registry.New("/var/lib/aof")
	reg.OnOpen(func(s *store.Store) { delegation.Attach(s) })

	st, err := reg.Open("payments")
	if err != nil {
		return err
	}
	records, err := reg.Projects(false)

# Integration Points

  - pkg/store: one instance per project
  - pkg/eventlog: one logger per project, shared through Events()
  - pkg/scheduler: iterates Projects() each poll and Opens active ones
  - pkg/protocol: resolves envelope projectIds through Open
  - pkg/daemon: constructs the registry at startup and closes it last
*/
package registry
