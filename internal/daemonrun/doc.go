// Package daemonrun hosts the process-level runtime of the ferry daemon:
// signal handling, per-run log files, preflight, the control socket and the
// metrics listener around a daemon.Daemon.
package daemonrun
