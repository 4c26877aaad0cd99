/*
Package health assembles the daemon's health surface: one report answering
"is this daemon doing its job", served on GET /health over the unix socket.

# Report Shape

	{
	  "status": "healthy",
	  "uptime": "2h14m5s",
	  "lastPollAt": "...",
	  "lastEventAt": "...",
	  "taskCounts": {"ready": 3, "in-progress": 2, ...},
	  "components": {
	    "scheduler":   {"healthy": true},
	    "store":       {"healthy": true},
	    "eventLogger": {"healthy": true}
	  },
	  "config": {"dataDir": "...", "pollIntervalMs": 5000}
	}

# Probes

Every component implements Checker: Check(ctx) Result plus a Name. Three
feed the report:

  - StoreChecker: project discovery and a CountByStatus pass over every
    opened board. The counts double as the report's taskCounts.
  - EventLogChecker: every opened project still has a live log; also
    supplies lastEventAt.
  - SchedulerChecker: the last poll must be younger than StaleAfter
    (5 minutes by default). A scheduler that has never polled gets the
    same window as a startup grace period, so the daemon's own
    boot-time self-check does not fail before the first poll.

The daemon is unhealthy when the store probe fails or the poll is stale;
those two are the spine, everything else is informational.

# Self-Check

SocketChecker dials the daemon's own unix socket and GETs /health. The
daemon runs it once at startup, after the server is up and before the PID
file is written, proving the whole serving path end to end.
*/
package health
