// Package daemonctl starts and stops a detached ferry daemon from the CLI.
package daemonctl
