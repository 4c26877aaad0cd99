/*
Package daemon assembles the orchestrator process: one Daemon owns the
project registry, the scheduler, the protocol router, the inbox watcher,
the unix-socket server and the metrics collector, and walks them through a
single open → serve → drain lifecycle.

# Startup Order

Run is strict about sequence, because each step's failure mode depends on
the previous step being durable:

 1. Create the data directory and inspect daemon.pid. A live holder means
    another daemon owns this directory; Run refuses with a conflict. A
    dead holder is remembered for step 5.
 2. Open every discovered project (store + event log), a few at a time
    under an errgroup. A project that will not open aborts startup;
    serving a board we cannot read helps nobody.
 3. Bind the unix socket and start serving.
 4. Self-check: dial our own socket and GET /health. This proves the
    whole serving path, not just that Listen returned nil.
 5. Write daemon.pid. If step 1 found a stale file, append a
    system.crash_recovery event to the inbox project's log first.
 6. Start the poll loop, the inbox watcher and the board-gauge
    collector, then block on the caller's context.

The PID file is written late on purpose: it is the claim that a healthy
daemon serves this directory, so nothing may claim before the self-check
passes.

# Shutdown

Cancelling Run's context drains: the scheduler stops planning (draining
flag), the inbox stops feeding the router, the poll and lease-renewal
loops are waited out, in-flight HTTP requests finish, executor sessions
are shut down when the executor supports it, event logs are flushed and
closed, and the socket and PID file are removed. Exit is clean on every
path after a successful start.

# Crash Recovery

A daemon killed with SIGKILL leaves daemon.pid behind. The next start
probes the recorded pid with signal 0; a dead process makes the file
stale, which is logged as system.crash_recovery and replaced. No on-disk
task state needs repair - the store's write discipline means the worst a
crash leaves is a duplicate card, which Lint reports.
*/
package daemon
