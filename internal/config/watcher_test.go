package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReloadBadFile(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.Reload("/nonexistent/path.toml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestReloadBadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdgate.toml")
	if err := os.WriteFile(path, []byte("[server\nbroken"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DefaultConfig()
	if _, err := cfg.Reload(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestHotReloadableFields(t *testing.T) {
	fields := HotReloadableFields()
	if len(fields) == 0 {
		t.Fatal("expected hot-reloadable fields")
	}
	found := false
	for _, f := range fields {
		if f == "Limits" {
			found = true
		}
	}
	if !found {
		t.Error("expected Limits in hot-reloadable fields")
	}
}

func TestLogResult(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// No changes
	r := &ReloadResult{}
	r.LogResult(logger) // should not panic

	// With changes
	r2 := &ReloadResult{
		Changed: []string{"Limits", "Server.Port"},
		Applied: []string{"Limits"},
		Skipped: []string{"Server.Port (requires restart)"},
	}
	r2.LogResult(logger) // should not panic
}

func TestWatcherDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdgate.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 8090\n"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	changed := make(chan string, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := NewWatcher(path, 20*time.Millisecond, logger, func(p string) {
		select {
		case changed <- p:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	// Wait past one poll, then rewrite with different content. The
	// size change guarantees detection even on coarse mtime clocks.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[server]\nport = 9001\nlogLevel = \"debug\"\n"), 0640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case p := <-changed:
		if p != path {
			t.Errorf("expected callback path %s, got %s", path, p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not detect change within timeout")
	}
}

func TestWatcherIgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "absent.toml")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fired := make(chan struct{}, 1)

	w := NewWatcher(path, 10*time.Millisecond, logger, func(string) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	select {
	case <-fired:
		t.Fatal("watcher fired for a missing file")
	case <-time.After(60 * time.Millisecond):
		// OK
	}
}

func TestWatcherStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdgate.toml")
	if err := os.WriteFile(path, []byte(""), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(path, 20*time.Millisecond, logger, nil)
	w.Start()
	w.Stop()
	w.Stop() // double stop should not panic
}
