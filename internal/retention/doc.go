// Package retention frees local disk space with three independent passes.
//
// Deferred deletes uploaded files once their deletion mark expires. AgeBased
// is a per-directory backstop that removes files older than the configured
// age. Emergency runs when the fullest source filesystem crosses the
// threshold and deletes the oldest files first until usage falls below it.
// Only Emergency may touch files that are still queued. Per-file errors are
// logged, counted and skipped; they never abort a pass.
package retention
