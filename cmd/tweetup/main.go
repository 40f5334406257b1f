package main

import (
	"errors"
	"os"

	"tweetup/internal/reminder"
)

var version = "0.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to process exit codes; corrupt storage gets its own
// code so service managers can stop restarting the unit.
func exitCode(err error) int {
	if errors.Is(err, reminder.ErrCorrupt) {
		return 3
	}
	return 1
}
