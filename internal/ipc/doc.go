// Package ipc exposes the running daemon over JSON-RPC on a Unix socket in
// the state directory. The CLI uses Client for status, queue inspection,
// manual enqueue, immediate uploads and on-demand retention passes.
package ipc
