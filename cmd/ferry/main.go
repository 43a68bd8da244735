package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Exit statuses. exitNotRunning follows the LSB status convention so service
// wrappers can tell a stopped daemon from a failed command.
const (
	exitOK         = 0
	exitFailure    = 1
	exitNotRunning = 3
)

func main() {
	err := newRootCommand().Execute()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var unreachable *unreachableError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &unreachable):
		return exitNotRunning
	default:
		return exitFailure
	}
}
