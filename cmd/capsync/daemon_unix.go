//go:build !windows

package main

import (
	"os"
	"syscall"
)

// manualSyncSignals are the signals that make a running daemon sync now
func manualSyncSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
