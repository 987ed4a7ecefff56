// Package rpc correlates requests written to a worker's stdin with the
// response lines read back from its stdout.
//
// Every call gets a fresh string id from a monotonic counter. The pending
// entry for that id is removed exactly once, by whichever happens first:
//   - a response line with the same id (Resolve)
//   - the per-call timer firing (TimeoutError)
//   - the caller's context ending
//   - the owning process exiting (Close, ExitError)
//
// Only the path that removes the entry from the map delivers an outcome, so
// a late response for a purged id is ignored.
package rpc
