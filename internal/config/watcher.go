package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file for changes using polling. It checks
// the file's modification time and size at a configurable interval;
// size is tracked as well because rewrites within the same second can
// leave the mod time unchanged on coarse filesystems.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func(path string)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	lastMod  time.Time
	lastSize int64
}

// NewWatcher creates a config file watcher that polls for changes.
// onChange receives the watched path so one callback can serve
// several watchers.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func(path string)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config_watcher"),
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins polling for file changes in a goroutine.
func (w *Watcher) Start() {
	// Record the initial state so a pre-existing file does not
	// trigger an immediate reload.
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}

	go w.poll()
	w.logger.Info("watching config file", "path", w.path, "interval", w.interval)
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) poll() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return
	}

	modTime := info.ModTime()
	size := info.Size()
	if modTime.After(w.lastMod) || size != w.lastSize {
		w.logger.Info("config file changed", "path", w.path, "modTime", modTime)
		w.lastMod = modTime
		w.lastSize = size
		if w.onChange != nil {
			w.onChange(w.path)
		}
	}
}
