//go:build windows

package main

import "os"

func manualSyncSignals() []os.Signal {
	return nil
}
