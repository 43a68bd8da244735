// Package discovery finds rotated log files in the configured source
// directories and hands them to the daemon once they stop changing.
//
// A file becomes a candidate when fsnotify reports it or the startup scan
// finds it. It is emitted only after its size and modification time have
// held still for the stability window, so a file the logger is still
// writing is never queued half-written.
package discovery
