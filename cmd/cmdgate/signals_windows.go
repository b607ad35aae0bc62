//go:build windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals the daemon listens for on
// Windows. There is no SIGHUP; reloads happen through the config
// watcher alone.
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func handlePlatformSignal(sig os.Signal, app *App) bool {
	return false
}
