// Package ephemeral runs one-shot agent processes.
//
// A run spawns the agent with the task as its final argument and no session,
// then reads its stdout as an event stream until the process exits. No
// commands are ever written to an ephemeral process.
//
// Tool events are reported through the progress callback. message_end events
// set the result text (the last non-empty assistant message wins) and add to
// the usage totals.
//
// Cancelling the context sends SIGTERM to the process group, then SIGKILL if
// the process is still running after the kill grace period. The partial
// result is returned together with ErrInterrupted. The temporary prompt file
// and the log file are released on every path.
package ephemeral
