package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all cmdgate configuration
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Stage toggles; a disabled stage is skipped, the rest still run in order
	Features FeaturesConfig `toml:"features"`

	// Rate limiter quotas
	Limits LimitsConfig `toml:"limits"`

	// Validator ceilings
	Validation ValidationConfig `toml:"validation"`

	// Sandbox execution budget
	Sandbox SandboxConfig `toml:"sandbox"`

	// Audit ring and archive
	Audit AuditConfig `toml:"audit"`

	// Session token lifetimes
	Session SessionConfig `toml:"session"`

	// Background maintenance jobs
	Maintenance MaintenanceConfig `toml:"maintenance"`

	// Named limit profile applied before explicit [limits] entries
	Profile string `toml:"profile,omitempty"`

	// Permission policy file overriding the built-in policy (optional)
	PolicyFile string `toml:"policyFile,omitempty"`

	// SQLite path for gate settings; empty keeps them in memory
	StorePath string `toml:"storePath,omitempty"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	DataDir  string `toml:"dataDir"`
	LogLevel string `toml:"logLevel"`
	// Bcrypt credential file for the password grant; empty leaves the
	// token endpoint closed
	UsersFile string `toml:"usersFile,omitempty"`
}

type FeaturesConfig struct {
	Sanitize   bool `toml:"sanitize"`
	Validate   bool `toml:"validate"`
	Permission bool `toml:"permission"`
	RateLimit  bool `toml:"rateLimit"`
	Sandbox    bool `toml:"sandbox"`
}

// LimitEntry is one sliding-window quota: requests per window
type LimitEntry struct {
	Requests   int `toml:"requests"`
	WindowSecs int `toml:"windowSecs"`
}

type LimitsConfig struct {
	// Per-role quotas, keyed by role name
	Roles map[string]LimitEntry `toml:"roles"`
	// Per-command quotas, keyed by command name
	Commands map[string]LimitEntry `toml:"commands"`
	// Fallbacks for roles/commands without an explicit entry
	DefaultRole    LimitEntry `toml:"defaultRole"`
	DefaultCommand LimitEntry `toml:"defaultCommand"`
	// How often expired blocks are swept (seconds)
	SweepSecs int `toml:"sweepSecs"`
}

type ValidationConfig struct {
	MaxCommandLength int `toml:"maxCommandLength"`
	MaxArgs          int `toml:"maxArgs"`
}

type SandboxConfig struct {
	TimeoutSecs int `toml:"timeoutSecs"`
}

type AuditConfig struct {
	// In-memory ring capacity; changing it requires a restart
	Capacity int `toml:"capacity"`
	// Append events to a JSONL archive under the data dir
	Archive bool `toml:"archive"`
}

type SessionConfig struct {
	TokenTTLMin     int `toml:"tokenTtlMin"`
	RefreshTTLHours int `toml:"refreshTtlHours"`
}

type MaintenanceConfig struct {
	// Archived events older than this are pruned (days)
	RetentionDays int `toml:"retentionDays"`
	// Cron expressions for the prune and compact jobs
	ArchivePruneCron string `toml:"archivePruneCron"`
	CompactCron      string `toml:"compactCron"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8090,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Features: FeaturesConfig{
			Sanitize:   true,
			Validate:   true,
			Permission: true,
			RateLimit:  true,
			Sandbox:    true,
		},
		Limits: LimitsConfig{
			Roles: map[string]LimitEntry{
				"admin":   {Requests: 120, WindowSecs: 60},
				"analyst": {Requests: 60, WindowSecs: 60},
				"viewer":  {Requests: 30, WindowSecs: 60},
			},
			Commands: map[string]LimitEntry{
				"analyze": {Requests: 10, WindowSecs: 60},
				"predict": {Requests: 6, WindowSecs: 60},
				"stress":  {Requests: 6, WindowSecs: 60},
				"export":  {Requests: 5, WindowSecs: 60},
				"quote":   {Requests: 30, WindowSecs: 60},
			},
			DefaultRole:    LimitEntry{Requests: 30, WindowSecs: 60},
			DefaultCommand: LimitEntry{Requests: 20, WindowSecs: 60},
			SweepSecs:      60,
		},
		Validation: ValidationConfig{
			MaxCommandLength: 1000,
			MaxArgs:          50,
		},
		Sandbox: SandboxConfig{
			TimeoutSecs: 30,
		},
		Audit: AuditConfig{
			Capacity: 1000,
			Archive:  true,
		},
		Session: SessionConfig{
			TokenTTLMin:     15,
			RefreshTTLHours: 72,
		},
		Maintenance: MaintenanceConfig{
			RetentionDays:    30,
			ArchivePruneCron: "0 3 * * *",
			CompactCron:      "30 3 * * *",
		},
	}
}

// Load reads config from a TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// parse decodes TOML over the defaults. When a limit profile is named,
// the file is decoded a second time over the profile's quotas so
// explicit [limits] entries still win.
func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Profile != "" {
		base := DefaultConfig()
		if err := base.ApplyProfile(cfg.Profile); err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, base); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg = base
	}

	return cfg, nil
}

// Save writes config to a TOML file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return nil
}
