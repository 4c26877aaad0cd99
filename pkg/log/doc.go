/*
Package log provides structured logging for AOF using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithProjectID("web-app")                 │          │
	│  │  - WithTaskID("20260311-091500-a3f")        │          │
	│  │  - WithAgentID("builder-1")                 │          │
	│  │  - WithCorrelationID(uuid)                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON:                                       │          │
	│  │  {"level":"info","component":"store",       │          │
	│  │   "task_id":"20260311-091500-a3f",          │          │
	│  │   "message":"task created"}                 │          │
	│  │                                              │          │
	│  │  Console:                                   │          │
	│  │  10:30AM INF task created component=store   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/seldon-engine/aof/pkg/log"

	// JSON output (daemon)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (CLI, development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stderr,
	})

Structured logging:

	log.Logger.Info().
		Str("task_id", task.ID).
		Str("agent_id", agent).
		Msg("lease acquired")

	log.Logger.Error().
		Err(err).
		Str("project_id", projectID).
		Msg("could not open store")

Component loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("poll loop started")

	dispatchLog := log.WithComponent("scheduler").
		With().Str("task_id", task.ID).
		Str("correlation_id", corrID).Logger()
	dispatchLog.Info().Msg("dispatch matched")

# Integration Points

This package integrates with:

  - pkg/store: logs card writes, transitions, lease churn
  - pkg/scheduler: logs poll cycles and dispatch decisions
  - pkg/protocol: logs envelope routing and rejections
  - pkg/eventlog: logs append failures (then swallows them)
  - pkg/daemon: logs lifecycle, crash recovery, drain

# Design Patterns

Global logger pattern:
  - Single package-level Logger instance
  - Initialized once in main() before anything logs
  - Accessible from all packages without plumbing

Context logger pattern:
  - Child loggers carry component and id fields
  - Every line from a subsystem is queryable by its fields
  - Correlation ids tie a dispatch's lines together across
    scheduler, executor and protocol output

Error logging pattern:
  - Always .Err(err) for error objects
  - Log-and-swallow only where the contract demands it (event
    log appends); everywhere else errors propagate to the caller

# Best Practices

Do:
  - Use Info level in production daemons
  - Use typed fields (.Str, .Int, .Err) for queryable data
  - Include task_id / project_id / correlation_id context

Don't:
  - Log task card bodies (may carry operator-sensitive text)
  - Log in tight poll loops at Info level
  - Block on log writes

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
