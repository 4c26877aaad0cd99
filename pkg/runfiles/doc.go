/*
Package runfiles reads and writes the per-attempt artifacts in a task's
working directory.

Three JSON files track one execution attempt:

	run.json            written at lease acquisition, identifies the attempt
	run_heartbeat.json  refreshed by the executor while the session lives
	run_result.json     the agent's verdict, consumed when the session ends

All writes are atomic (temp file + fsync + rename) so a crashed writer
never leaves a half-written artifact. Readers treat a missing file as a
normal condition, not an error: a task that never dispatched simply has
no run artifacts yet.
*/
package runfiles
