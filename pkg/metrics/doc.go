/*
Package metrics provides Prometheus metrics collection and exposition for AOF.

The metrics package defines and registers all AOF metrics using the Prometheus
client library, providing observability into board state, scheduler behavior,
dispatch outcomes, and protocol traffic. Metrics are exposed on the daemon's
unix socket at /metrics for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐            │
	│  │          Prometheus Registry               │            │
	│  │  - Global DefaultRegistry                  │            │
	│  │  - MustRegister at package init            │            │
	│  │  - Automatic Go runtime metrics            │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │           Metric Categories                │            │
	│  │                                            │            │
	│  │  Board: tasks by project/status, projects  │            │
	│  │  Scheduler: poll duration, actions,        │            │
	│  │    dispatches, lease expiries, stale       │            │
	│  │    heartbeats, SLA breaches                │            │
	│  │  Protocol: envelopes by type/outcome       │            │
	│  │  Event log: appends                        │            │
	│  │  API: request count, duration              │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │     Daemon collector (15s ticker)          │            │
	│  │  - Walks opened project stores             │            │
	│  │  - CountByStatus → aof_tasks gauge         │            │
	│  │  - Discover → aof_projects_total           │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │          GET /metrics (unix socket)        │            │
	│  │  - Prometheus text exposition format       │            │
	│  │  - Handler: promhttp.Handler()             │            │
	│  └────────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────────┘

# Core Components

Counters and gauges:
  - TasksByStatus: cards per project and status directory
  - DispatchesTotal: dispatch attempts labeled by result (matched, deduped,
    platform_limit, or the failure class)
  - ActionsTotal: every scheduler action by kind and result
  - LeaseExpiriesTotal, StaleHeartbeatsTotal, SLABreachesTotal: reclaim paths
  - ProtocolMessagesTotal: envelopes by type and outcome
  - EventAppendsTotal: audit log writes
  - RequestsTotal / RequestDuration: socket API traffic

Timer:
  - Lightweight elapsed-time helper for histogram observations
  - NewTimer at operation start, ObserveDuration at the end
  - ObserveDurationVec for labeled histograms

This package holds only metric definitions and the exposition handler, so
every other package may import it freely. The gauge collector that walks
project stores lives in pkg/daemon, next to the registry it reads.

# Usage

Recording scheduler metrics:

	timer := metrics.NewTimer()
	// ... run the poll ...
	timer.ObserveDuration(metrics.PollDuration)
	metrics.DispatchesTotal.WithLabelValues("matched").Inc()

# Integration Points

  - pkg/scheduler: poll duration, action and dispatch counters
  - pkg/protocol: envelope counters
  - pkg/eventlog: append counter
  - pkg/server: request counters and the /metrics route
  - pkg/daemon: the periodic board-gauge collector

# See Also

  - pkg/health for the health report surface
  - pkg/server for exposition over the unix socket
*/
package metrics
