// Package main hosts the ferry CLI.
//
// `ferry daemon` runs the uploader in the foreground. The remaining commands
// talk to a running daemon over its control socket (status, queue, upload,
// retention) or work from the configuration file alone (config, logs).
package main
