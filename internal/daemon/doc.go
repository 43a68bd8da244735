// Package daemon coordinates the long-running ferry process.
//
// Open takes the flock-based instance lock, then opens the queue snapshot,
// the content registry and the deletion-mark store. Start reconciles the
// queue against the filesystem, aborts multipart uploads left behind by a
// crash, and launches discovery, the enqueue consumer, the scheduler and the
// optional netlink connectivity monitor.
//
// Keep orchestration here: upload, retention and scheduling policy live in
// their own packages and the daemon only wires them together.
package daemon
