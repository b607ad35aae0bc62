//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals the daemon listens for on
// Unix systems.
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles platform-specific signals, returning
// true when the wait loop should keep running.
func handlePlatformSignal(sig os.Signal, app *App) bool {
	if sig == syscall.SIGHUP {
		app.Logger.Info("reload signal received")
		reloadConfig(app)
		return true
	}
	return false
}
