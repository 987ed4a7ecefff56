// Package worker manages one long-lived agent process that speaks the
// line-delimited RPC protocol over stdin/stdout.
//
// Lifecycle:
//
//	starting -> idle <-> busy
//	any state -> dead (terminal)
//
// A worker is idle as soon as its stdin is open; there is no handshake.
// Dispatch is accepted only from idle and moves the worker to busy. An
// agent_end event returns it to idle and completes the current Turn. When the
// process exits, every pending RPC is rejected with the exit code, the log is
// closed, and the worker is dead for good. The registry replaces dead workers
// rather than reviving them.
//
// Kill sends SIGTERM to the process group, waits for the kill grace period,
// then sends exactly one SIGKILL if the process is still alive.
package worker
