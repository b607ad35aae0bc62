package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/financeanalyst/cmdgate/internal/config"
	"github.com/financeanalyst/cmdgate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "cmdgate.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return path
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStageLine(t *testing.T) {
	line := stageLine(map[string]bool{"validate": false, "sanitize": true})
	if line != "sanitize=on validate=off" {
		t.Errorf("stageLine = %q", line)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "cmdgate.toml")

	cfg, err := loadConfig(path, testLogger())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("port = %d, want 8090", cfg.Server.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.Server.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestSetupBuildsApp(t *testing.T) {
	path := writeTestConfig(t, func(cfg *config.Config) {
		cfg.StorePath = filepath.Join(filepath.Dir(cfg.Server.DataDir), "kv.db")
	})

	app, err := setup(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Store.Close()

	if app.Gate == nil || app.Sessions == nil || app.Scheduler == nil || app.APIServer == nil || app.Watcher == nil {
		t.Fatal("setup left components nil")
	}

	// Default config archives audit events and a store path was set,
	// so both maintenance jobs should be registered.
	jobs := app.Scheduler.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	ids := []string{jobs[0].JobID, jobs[1].JobID}
	if strings.Join(ids, ",") != "audit-prune,store-compact" {
		t.Errorf("job ids = %v", ids)
	}

	res := app.Gate.Evaluate(&types.ParsedCommand{
		Name:     "quote",
		Original: "quote AAPL",
		Args:     types.CommandArgs{Positional: []string{"AAPL"}},
	}, types.ExecutionContext{
		UserID:          "u1",
		SessionID:       "s1",
		Role:            types.RoleAdmin,
		Authenticated:   true,
		SessionVerified: true,
	})
	if !res.Allowed {
		t.Errorf("evaluate denied: %s", res.Reason)
	}
}

func TestSetupWithoutArchive(t *testing.T) {
	path := writeTestConfig(t, func(cfg *config.Config) {
		cfg.Audit.Archive = false
	})

	app, err := setup(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Store.Close()

	if app.Archive != nil {
		t.Error("archive should be nil when disabled")
	}
	// Memory store and no archive: nothing to maintain.
	if jobs := app.Scheduler.Jobs(); len(jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(jobs))
	}
}

func TestReloadAppliesLimits(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	path := filepath.Join(dir, "cmdgate.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	app, err := setup(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Store.Close()

	cfg.Limits.Roles["admin"] = config.LimitEntry{Requests: 1, WindowSecs: 60}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloadConfig(app)

	cmd := &types.ParsedCommand{
		Name:     "quote",
		Original: "quote AAPL",
		Args:     types.CommandArgs{Positional: []string{"AAPL"}},
	}
	ectx := types.ExecutionContext{
		UserID:          "u1",
		SessionID:       "s1",
		Role:            types.RoleAdmin,
		Authenticated:   true,
		SessionVerified: true,
	}

	if res := app.Gate.Evaluate(cmd, ectx); !res.Allowed {
		t.Fatalf("first evaluate denied: %s", res.Reason)
	}
	res := app.Gate.Evaluate(cmd, ectx)
	if res.Allowed {
		t.Fatal("second evaluate should trip the reloaded limit")
	}
	if res.Stage != "rate_limit" {
		t.Errorf("stage = %q, want rate_limit", res.Stage)
	}
}

func TestReloadBadFileKeepsRunning(t *testing.T) {
	path := writeTestConfig(t, nil)

	app, err := setup(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer app.Store.Close()

	if err := os.WriteFile(path, []byte("not [valid toml"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	reloadConfig(app)

	// The old config stays in effect.
	if app.Config.Server.Port != 8090 {
		t.Errorf("port = %d, want 8090", app.Config.Server.Port)
	}
}
