// Package gate sequences the security pipeline every command passes
// through before its handler may run: sanitize, validate, permission,
// rate limit. The first failing stage wins and the command is denied;
// a full pass consumes rate-limit quota and yields a short-lived
// authorization the sandbox accepts for execution.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/financeanalyst/cmdgate/internal/audit"
	"github.com/financeanalyst/cmdgate/internal/permission"
	"github.com/financeanalyst/cmdgate/internal/ratelimit"
	"github.com/financeanalyst/cmdgate/internal/sanitize"
	"github.com/financeanalyst/cmdgate/internal/store"
	"github.com/financeanalyst/cmdgate/internal/types"
	"github.com/financeanalyst/cmdgate/internal/validate"
)

// Stage names reported in denials.
const (
	StageSanitize   = "sanitize"
	StageValidate   = "validate"
	StagePermission = "permission"
	StageRateLimit  = "rate_limit"
)

// AuthTTL is the default lifetime of an authorization grant. The
// window only needs to cover the hop from evaluation to execution.
const AuthTTL = 30 * time.Second

// Settings store keys. The store is optional; absent keys leave the
// in-memory defaults untouched.
const (
	settingStagePrefix = "security.stage."   // + stage name, value "on"/"off"
	settingAuthTTL     = "security.auth_ttl_secs"
)

// Result is the caller-visible outcome of one evaluation. Stage is
// set only on denial and names the stage that refused.
type Result struct {
	Allowed            bool                 `json:"allowed"`
	Reason             string               `json:"reason,omitempty"`
	Stage              string               `json:"stage,omitempty"`
	Cleaned            string               `json:"cleaned,omitempty"`
	Warnings           []string             `json:"warnings,omitempty"`
	RequiredPermission string               `json:"required_permission,omitempty"`
	BlockedUntil       *time.Time           `json:"blocked_until,omitempty"`
	RetryAfterSecs     int64                `json:"retry_after_secs,omitempty"`
	Authorization      *types.Authorization `json:"authorization,omitempty"`
}

// Options bundles the gate's collaborators. Nil fields fall back to
// defaults so a bare New(Options{}) yields a working gate.
type Options struct {
	Sanitizer   *sanitize.Sanitizer
	Validator   *validate.Validator
	Permissions *permission.Engine
	Limiter     *ratelimit.Limiter
	Audit       *audit.Log
	Settings    store.Store

	// Features preloads the stage toggles before the settings store
	// is consulted. Unknown keys are ignored.
	Features map[string]bool

	Logger *slog.Logger
}

// Gate owns the full pipeline state. No globals: independent gates
// are fully isolated, including their limiter windows and audit logs.
type Gate struct {
	sanitizer *sanitize.Sanitizer
	validator *validate.Validator
	perms     *permission.Engine
	limiter   *ratelimit.Limiter
	log       *audit.Log
	settings  store.Store
	logger    *slog.Logger
	now       func() time.Time
	authTTL   time.Duration

	mu     sync.Mutex
	stages map[string]bool
	usage  map[string]*usageEntry
}

type usageEntry struct {
	total    int
	commands map[string]int
	lastSeen time.Time
}

// New builds a gate from the given collaborators.
func New(opts Options) *Gate {
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(opts.Logger)
	}
	if opts.Validator == nil {
		opts.Validator = validate.New(0, 0, opts.Logger)
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.New(nil, opts.Logger)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Config{}, opts.Logger)
	}
	if opts.Audit == nil {
		opts.Audit = audit.New(0, nil, opts.Logger)
	}
	if opts.Settings == nil {
		opts.Settings = store.NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		sanitizer: opts.Sanitizer,
		validator: opts.Validator,
		perms:     opts.Permissions,
		limiter:   opts.Limiter,
		log:       opts.Audit,
		settings:  opts.Settings,
		logger:    logger.With("component", "gate"),
		now:       time.Now,
		authTTL:   AuthTTL,
		stages: map[string]bool{
			StageSanitize:   true,
			StageValidate:   true,
			StagePermission: true,
			StageRateLimit:  true,
		},
		usage: make(map[string]*usageEntry),
	}

	for stage, on := range opts.Features {
		if _, ok := g.stages[stage]; ok {
			g.stages[stage] = on
		}
	}
	g.loadSettings()
	return g
}

// loadSettings overlays persisted toggles and thresholds. A missing
// or failing store degrades to the in-memory defaults without error.
func (g *Gate) loadSettings() {
	for stage := range g.stages {
		v, ok, err := g.settings.Get(settingStagePrefix + stage)
		if err != nil {
			g.logger.Warn("settings store unavailable, using defaults", "error", err)
			return
		}
		if ok {
			g.stages[stage] = v == "on"
		}
	}

	v, ok, err := g.settings.Get(settingAuthTTL)
	if err != nil || !ok {
		return
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		g.logger.Warn("ignoring invalid auth TTL setting", "value", v)
		return
	}
	g.authTTL = time.Duration(secs) * time.Second
}

// Evaluate runs the pipeline over one command. Quota is consumed and
// an authorization issued only when every enabled stage allows it.
func (g *Gate) Evaluate(cmd *types.ParsedCommand, ectx types.ExecutionContext) Result {
	if cmd == nil {
		g.record(types.EventBlockedRequest, ectx.UserID, "", map[string]any{
			"stage":  StageValidate,
			"reason": "missing command",
		})
		return Result{Stage: StageValidate, Reason: "missing command"}
	}

	cleaned := cmd.Original

	if g.StageEnabled(StageSanitize) {
		c, err := g.sanitizer.Clean(cmd.Original)
		if err != nil {
			details := map[string]any{"stage": StageSanitize}
			var viol *sanitize.Violation
			if errors.As(err, &viol) {
				details["category"] = viol.Category
				details["matched"] = viol.Matched
			}
			g.record(types.EventBlockedRequest, ectx.UserID, cmd.Name, details)
			return Result{Stage: StageSanitize, Reason: err.Error()}
		}
		cleaned = c
	}

	if g.StageEnabled(StageValidate) {
		vres := g.validator.Check(cmd)
		if !vres.Allowed {
			g.record(types.EventBlockedRequest, ectx.UserID, cmd.Name, map[string]any{
				"stage":    StageValidate,
				"warnings": vres.Warnings,
				"patterns": vres.Patterns,
			})
			return Result{
				Stage:    StageValidate,
				Reason:   vres.Warnings[0],
				Warnings: vres.Warnings,
			}
		}
	}

	if g.StageEnabled(StagePermission) {
		pres := g.perms.Check(cmd, ectx)
		if !pres.Allowed {
			g.record(types.EventPermissionDenied, ectx.UserID, cmd.Name, map[string]any{
				"stage":    StagePermission,
				"role":     string(ectx.Role),
				"required": pres.Required,
			})
			return Result{
				Stage:              StagePermission,
				Reason:             pres.Reason,
				RequiredPermission: pres.Required,
			}
		}
	}

	if g.StageEnabled(StageRateLimit) {
		rres := g.limiter.Check(ectx.UserID, cmd.Name, ectx)
		if !rres.Allowed {
			details := map[string]any{
				"stage":  StageRateLimit,
				"role":   string(ectx.Role),
				"reason": rres.Reason,
			}
			if !rres.BlockedUntil.IsZero() {
				details["blocked_until"] = rres.BlockedUntil.Format(time.RFC3339)
			}
			g.record(rres.Event, ectx.UserID, cmd.Name, details)

			res := Result{Stage: StageRateLimit, Reason: rres.Reason}
			if !rres.BlockedUntil.IsZero() {
				t := rres.BlockedUntil
				res.BlockedUntil = &t
			}
			if rres.RetryAfter > 0 {
				res.RetryAfterSecs = int64((rres.RetryAfter + time.Second - 1) / time.Second)
			}
			return res
		}
		g.limiter.Record(ectx.UserID, cmd.Name, ectx)
	}

	g.recordUsage(ectx.UserID, cmd.Name)

	return Result{
		Allowed: true,
		Cleaned: cleaned,
		Authorization: &types.Authorization{
			ID:       uuid.New().String(),
			UserID:   ectx.UserID,
			Command:  cmd.Name,
			IssuedAt: g.now(),
			TTL:      g.authTTL,
		},
	}
}

// record appends an audit event. Audit is observational: failures are
// the log's problem, never the decision's.
func (g *Gate) record(t types.EventType, userID, command string, details map[string]any) {
	g.log.Record(t, userID, command, details)
}

func (g *Gate) recordUsage(userID, command string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.usage[userID]
	if !ok {
		u = &usageEntry{commands: make(map[string]int)}
		g.usage[userID] = u
	}
	u.total++
	u.commands[strings.ToLower(command)]++
	u.lastSeen = g.now()
}

// StageEnabled reports whether a pipeline stage is active.
func (g *Gate) StageEnabled(stage string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stages[stage]
}

// Stages returns a copy of the toggle table.
func (g *Gate) Stages() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]bool, len(g.stages))
	for k, v := range g.stages {
		out[k] = v
	}
	return out
}

// SetStage toggles a stage at runtime and persists the choice. A
// failing settings store keeps the in-memory toggle and is only
// logged; the sole error is an unknown stage name.
func (g *Gate) SetStage(stage string, enabled bool) error {
	g.mu.Lock()
	if _, ok := g.stages[stage]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("gate: unknown stage %q", stage)
	}
	g.stages[stage] = enabled
	g.mu.Unlock()

	g.logger.Info("stage toggled", "stage", stage, "enabled", enabled)

	val := "off"
	if enabled {
		val = "on"
	}
	if err := g.settings.Set(settingStagePrefix+stage, val); err != nil {
		g.logger.Warn("failed to persist stage toggle", "stage", stage, "error", err)
	}
	return nil
}

// UsageSnapshot is one user's command counters.
type UsageSnapshot struct {
	UserID   string         `json:"user_id"`
	Total    int            `json:"total"`
	Commands map[string]int `json:"commands"`
	LastSeen time.Time      `json:"last_seen"`
}

// Usage reports per-user counters for successful authorizations,
// sorted by user ID.
func (g *Gate) Usage() []UsageSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]UsageSnapshot, 0, len(g.usage))
	for id, u := range g.usage {
		cmds := make(map[string]int, len(u.commands))
		for c, n := range u.commands {
			cmds[c] = n
		}
		out = append(out, UsageSnapshot{
			UserID:   id,
			Total:    u.total,
			Commands: cmds,
			LastSeen: u.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Dashboard is the read-only aggregation served to operators.
type Dashboard struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	WindowSecs  int                         `json:"window_secs"`
	TotalEvents int                         `json:"total_events"`
	Counts      map[types.EventType]int     `json:"counts_by_type"`
	Roles       []ratelimit.RoleSnapshot    `json:"role_windows"`
	Commands    []ratelimit.CommandSnapshot `json:"command_windows"`
	Recent      []types.SecurityEvent       `json:"recent_events"`
	Usage       []UsageSnapshot             `json:"usage"`
	Stages      map[string]bool             `json:"stages"`
}

// Dashboard assembles event counts, limiter occupancy, and recent
// events for the given look-back window. Read-only; derived entirely
// from the audit log and limiter snapshots.
func (g *Gate) Dashboard(window time.Duration) Dashboard {
	now := g.now()
	counts := g.log.CountsByType(now.Add(-window))
	total := 0
	for _, n := range counts {
		total += n
	}

	return Dashboard{
		GeneratedAt: now,
		WindowSecs:  int(window.Seconds()),
		TotalEvents: total,
		Counts:      counts,
		Roles:       g.limiter.Snapshot(),
		Commands:    g.limiter.CommandSnapshots(),
		Recent:      g.log.Recent(20),
		Usage:       g.Usage(),
		Stages:      g.Stages(),
	}
}

// Events exposes the audit log for read-only consumers.
func (g *Gate) Events() *audit.Log {
	return g.log
}

// Limiter exposes the limiter for config hot reload.
func (g *Gate) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// Start launches the limiter's background sweep.
func (g *Gate) Start() {
	g.limiter.Start()
	g.logger.Info("gate started", "auth_ttl", g.authTTL)
}

// Stop halts background work. Safe to call without Start.
func (g *Gate) Stop() {
	g.limiter.Stop()
	g.logger.Info("gate stopped")
}
