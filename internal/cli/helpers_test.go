package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/financeanalyst/cmdgate/internal/config"
	"github.com/financeanalyst/cmdgate/internal/gate"
	"github.com/financeanalyst/cmdgate/internal/store"
	"github.com/financeanalyst/cmdgate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestLimiterConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Limits.Roles = map[string]config.LimitEntry{
		"Admin": {Requests: 5, WindowSecs: 30},
	}
	cfg.Limits.Commands = map[string]config.LimitEntry{
		"Quote": {Requests: 2, WindowSecs: 10},
	}
	cfg.Limits.DefaultRole = config.LimitEntry{Requests: 7, WindowSecs: 60}
	cfg.Limits.SweepSecs = 120

	rc := LimiterConfig(cfg)
	if got := rc.RoleLimits[types.RoleAdmin]; got.Requests != 5 || got.Window != 30*time.Second {
		t.Errorf("admin limit = %+v", got)
	}
	if got := rc.CommandLimits["quote"]; got.Requests != 2 || got.Window != 10*time.Second {
		t.Errorf("quote limit = %+v", got)
	}
	if rc.DefaultRole.Requests != 7 || rc.DefaultRole.Window != time.Minute {
		t.Errorf("default role = %+v", rc.DefaultRole)
	}
	if rc.SweepInterval != 2*time.Minute {
		t.Errorf("sweep = %s", rc.SweepInterval)
	}
}

func TestBuildGateEvaluates(t *testing.T) {
	g, err := BuildGate(config.DefaultConfig(), store.NewMemory(), nil, testLogger())
	if err != nil {
		t.Fatalf("BuildGate: %v", err)
	}

	res := g.Evaluate(&types.ParsedCommand{
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
		t.Fatalf("denied: %s", res.Reason)
	}
}

func TestBuildGateFeatures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Features.Sanitize = false

	g, err := BuildGate(cfg, store.NewMemory(), nil, testLogger())
	if err != nil {
		t.Fatalf("BuildGate: %v", err)
	}
	if g.StageEnabled(gate.StageSanitize) {
		t.Error("sanitize should start disabled")
	}
	if !g.StageEnabled(gate.StageValidate) {
		t.Error("validate should start enabled")
	}
}

func TestBuildGateBadPolicyFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := BuildGate(cfg, store.NewMemory(), nil, testLogger()); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestOpenStore(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, ok := st.(*store.Memory); !ok {
		t.Errorf("store = %T, want memory without a path", st)
	}

	cfg.StorePath = filepath.Join(t.TempDir(), "kv.db")
	st, err = OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore sqlite: %v", err)
	}
	defer st.Close()
	if err := st.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := st.Get("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	cfg, err := loadConfigOrDefault(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("port = %d, want 8090", cfg.Server.Port)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "cmdgate.toml")
	saved := config.DefaultConfig()
	saved.Server.Port = 9999
	saved.Server.DataDir = filepath.Join(dir, "data")
	if err := saved.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err = loadConfigOrDefault(path)
	if err != nil {
		t.Fatalf("loadConfigOrDefault: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
}
