// Package cli implements the cmdgate subcommands. The daemon itself
// lives in cmd/cmdgate; everything here runs to completion and exits.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/audit"
	"github.com/financeanalyst/cmdgate/internal/config"
	"github.com/financeanalyst/cmdgate/internal/gate"
	"github.com/financeanalyst/cmdgate/internal/permission"
	"github.com/financeanalyst/cmdgate/internal/ratelimit"
	"github.com/financeanalyst/cmdgate/internal/sanitize"
	"github.com/financeanalyst/cmdgate/internal/store"
	"github.com/financeanalyst/cmdgate/internal/types"
	"github.com/financeanalyst/cmdgate/internal/validate"
)

// loadConfigOrDefault loads the config file, falling back to the
// built-in defaults when no file exists yet.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// getLogger returns a configured logger
func getLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// OpenStore opens the configured settings store, in-memory when no
// path is set.
func OpenStore(cfg *config.Config) (store.Store, error) {
	if cfg.StorePath == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.StorePath)
}

// BuildGate assembles the four stage engines and the audit ring from
// file configuration. The archive may be nil; events then stay in the
// in-memory ring only.
func BuildGate(cfg *config.Config, st store.Store, archive *audit.Archive, logger *slog.Logger) (*gate.Gate, error) {
	var policy *permission.Policy
	if cfg.PolicyFile != "" {
		p, err := permission.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		policy = p
	}

	return gate.New(gate.Options{
		Sanitizer:   sanitize.New(logger),
		Validator:   validate.New(cfg.Validation.MaxCommandLength, cfg.Validation.MaxArgs, logger),
		Permissions: permission.New(policy, logger),
		Limiter:     ratelimit.New(LimiterConfig(cfg), logger),
		Audit:       audit.New(cfg.Audit.Capacity, archive, logger),
		Settings:    st,
		Features:    stageFeatures(cfg),
		Logger:      logger,
	}), nil
}

// LimiterConfig converts file quotas into the limiter's config. Role
// and command names are lowercased so the file may capitalize them
// freely.
func LimiterConfig(cfg *config.Config) ratelimit.Config {
	rc := ratelimit.Config{
		RoleLimits:     make(map[types.Role]ratelimit.Limit, len(cfg.Limits.Roles)),
		CommandLimits:  make(map[string]ratelimit.Limit, len(cfg.Limits.Commands)),
		DefaultRole:    toLimit(cfg.Limits.DefaultRole),
		DefaultCommand: toLimit(cfg.Limits.DefaultCommand),
		SweepInterval:  time.Duration(cfg.Limits.SweepSecs) * time.Second,
	}
	for name, entry := range cfg.Limits.Roles {
		rc.RoleLimits[types.Role(strings.ToLower(name))] = toLimit(entry)
	}
	for name, entry := range cfg.Limits.Commands {
		rc.CommandLimits[strings.ToLower(name)] = toLimit(entry)
	}
	return rc
}

func toLimit(e config.LimitEntry) ratelimit.Limit {
	return ratelimit.Limit{
		Requests: e.Requests,
		Window:   time.Duration(e.WindowSecs) * time.Second,
	}
}

func stageFeatures(cfg *config.Config) map[string]bool {
	return map[string]bool{
		gate.StageSanitize:   cfg.Features.Sanitize,
		gate.StageValidate:   cfg.Features.Validate,
		gate.StagePermission: cfg.Features.Permission,
		gate.StageRateLimit:  cfg.Features.RateLimit,
	}
}
