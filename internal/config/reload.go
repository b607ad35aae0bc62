package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart or a runtime control
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Port":      true,
	"Server.DataDir":   true,
	"Server.UsersFile": true,
	"Validation":       true,
	"Sandbox":          true,
	"Audit":            true,
	"Session":          true,
	"Maintenance":      true,
	"PolicyFile":       true,
	"StorePath":        true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Limits",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped. The caller is responsible for pushing
// applied sections into live components.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	// Server.Port
	if old.Server.Port != new.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	// Server.DataDir
	if old.Server.DataDir != new.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}
	// Server.LogLevel (hot-reloadable)
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	// Server.UsersFile
	if old.Server.UsersFile != new.Server.UsersFile {
		result.Changed = append(result.Changed, "Server.UsersFile")
		result.Skipped = append(result.Skipped, "Server.UsersFile (requires restart)")
	}

	// Features are controlled at runtime through the gate's toggle API,
	// not by editing the file under a running daemon.
	if !reflect.DeepEqual(old.Features, new.Features) {
		result.Changed = append(result.Changed, "Features")
		result.Skipped = append(result.Skipped, "Features (use runtime toggles)")
	}

	// Profile (metadata; the quota change itself lands under Limits)
	if old.Profile != new.Profile {
		result.Changed = append(result.Changed, "Profile")
		old.Profile = new.Profile
		result.Applied = append(result.Applied, "Profile")
	}

	// Limits (hot-reloadable)
	if !reflect.DeepEqual(old.Limits, new.Limits) {
		result.Changed = append(result.Changed, "Limits")
		old.Limits = new.Limits
		result.Applied = append(result.Applied, "Limits")
	}

	// Validation
	if !reflect.DeepEqual(old.Validation, new.Validation) {
		result.Changed = append(result.Changed, "Validation")
		result.Skipped = append(result.Skipped, "Validation (requires restart)")
	}

	// Sandbox
	if !reflect.DeepEqual(old.Sandbox, new.Sandbox) {
		result.Changed = append(result.Changed, "Sandbox")
		result.Skipped = append(result.Skipped, "Sandbox (requires restart)")
	}

	// Audit
	if !reflect.DeepEqual(old.Audit, new.Audit) {
		result.Changed = append(result.Changed, "Audit")
		result.Skipped = append(result.Skipped, "Audit (requires restart)")
	}

	// Session
	if !reflect.DeepEqual(old.Session, new.Session) {
		result.Changed = append(result.Changed, "Session")
		result.Skipped = append(result.Skipped, "Session (requires restart)")
	}

	// Maintenance
	if !reflect.DeepEqual(old.Maintenance, new.Maintenance) {
		result.Changed = append(result.Changed, "Maintenance")
		result.Skipped = append(result.Skipped, "Maintenance (requires restart)")
	}

	// PolicyFile
	if old.PolicyFile != new.PolicyFile {
		result.Changed = append(result.Changed, "PolicyFile")
		result.Skipped = append(result.Skipped, "PolicyFile (requires restart)")
	}

	// StorePath
	if old.StorePath != new.StorePath {
		result.Changed = append(result.Changed, "StorePath")
		result.Skipped = append(result.Skipped, "StorePath (requires restart)")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
