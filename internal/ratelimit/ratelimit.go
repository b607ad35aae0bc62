// Package ratelimit enforces per-role and per-command quotas over
// sliding windows. Role windows escalate repeat violations into
// progressively longer lockouts; command windows only reject.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// lockoutSchedule is the progressive penalty ladder. Each consecutive
// violation moves one rung up; the last rung repeats.
var lockoutSchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// Limit is one sliding-window quota.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Config carries the limiter's quotas. Zero fields fall back to the
// corresponding DefaultConfig values.
type Config struct {
	RoleLimits     map[types.Role]Limit
	CommandLimits  map[string]Limit
	DefaultRole    Limit
	DefaultCommand Limit
	SweepInterval  time.Duration
}

// DefaultConfig returns the quotas shipped with the gate. They assume
// interactive terminal traffic, not programmatic bursts.
func DefaultConfig() Config {
	return Config{
		RoleLimits: map[types.Role]Limit{
			types.RoleAdmin:   {Requests: 120, Window: time.Minute},
			types.RoleAnalyst: {Requests: 60, Window: time.Minute},
			types.RoleViewer:  {Requests: 30, Window: time.Minute},
		},
		CommandLimits: map[string]Limit{
			"analyze": {Requests: 10, Window: time.Minute},
			"predict": {Requests: 6, Window: time.Minute},
			"stress":  {Requests: 6, Window: time.Minute},
			"export":  {Requests: 5, Window: time.Minute},
			"quote":   {Requests: 30, Window: time.Minute},
		},
		DefaultRole:    Limit{Requests: 30, Window: time.Minute},
		DefaultCommand: Limit{Requests: 20, Window: time.Minute},
		SweepInterval:  time.Minute,
	}
}

// roleState is one role's window. The violations counter survives
// block expiry during live checks; only the sweep clears it.
type roleState struct {
	limit        Limit
	requests     []time.Time
	blockedUntil time.Time
	violations   int
}

// commandState is one command's window. No lockout fields: command
// quotas are reject-and-retry signals.
type commandState struct {
	limit    Limit
	requests []time.Time
}

// Result is the outcome of one limiter check. Event is set on denial
// so the gate can record the matching audit entry.
type Result struct {
	Allowed      bool
	Reason       string
	Event        types.EventType
	BlockedUntil time.Time
	RetryAfter   time.Duration
}

// Limiter is the fourth gate stage. A single mutex guards both state
// maps; traffic is per interactive session, so contention is not a
// concern here.
type Limiter struct {
	mu       sync.Mutex
	roles    map[types.Role]*roleState
	commands map[string]*commandState

	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Limiter with the given quotas.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		roles:    make(map[types.Role]*roleState),
		commands: make(map[string]*commandState),
		cfg:      normalize(cfg),
		now:      time.Now,
		logger:   logger.With("component", "ratelimit"),
	}
}

// normalize fills zero config fields from the defaults.
func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.RoleLimits == nil {
		cfg.RoleLimits = def.RoleLimits
	}
	if cfg.CommandLimits == nil {
		cfg.CommandLimits = def.CommandLimits
	}
	if cfg.DefaultRole.Requests <= 0 || cfg.DefaultRole.Window <= 0 {
		cfg.DefaultRole = def.DefaultRole
	}
	if cfg.DefaultCommand.Requests <= 0 || cfg.DefaultCommand.Window <= 0 {
		cfg.DefaultCommand = def.DefaultCommand
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return cfg
}

// SetConfig swaps the quotas in place for a config hot reload.
// Existing windows keep their recorded timestamps but pick up the new
// limits immediately; the sweep cadence changes on the next Start.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cfg = normalize(cfg)
	for role, rs := range l.roles {
		limit, ok := l.cfg.RoleLimits[role]
		if !ok {
			limit = l.cfg.DefaultRole
		}
		rs.limit = limit
	}
	for name, cs := range l.commands {
		limit, ok := l.cfg.CommandLimits[name]
		if !ok {
			limit = l.cfg.DefaultCommand
		}
		cs.limit = limit
	}
	l.logger.Info("rate limit quotas updated")
}

// Check applies the role window first, then the command window. It
// never consumes quota; Record does that after the full pipeline
// succeeds.
func (l *Limiter) Check(userID, command string, ectx types.ExecutionContext) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rs := l.role(ectx.Role)

	if !rs.blockedUntil.IsZero() && rs.blockedUntil.After(now) {
		remaining := rs.blockedUntil.Sub(now)
		return Result{
			Reason:       fmt.Sprintf("rate limit lockout active, retry in %ds", int(remaining.Seconds())+1),
			Event:        types.EventRateLimitExceeded,
			BlockedUntil: rs.blockedUntil,
			RetryAfter:   remaining,
		}
	}

	prune(&rs.requests, now.Add(-rs.limit.Window))
	if len(rs.requests) >= rs.limit.Requests {
		rs.violations++
		idx := rs.violations - 1
		if idx >= len(lockoutSchedule) {
			idx = len(lockoutSchedule) - 1
		}
		block := lockoutSchedule[idx]
		rs.blockedUntil = now.Add(block)
		l.logger.Warn("role rate limit exceeded",
			"role", ectx.Role, "user", userID, "violations", rs.violations, "lockout", block)
		return Result{
			Reason:       fmt.Sprintf("rate limit exceeded for role %s, locked out for %s", ectx.Role, block),
			Event:        types.EventRateLimitExceeded,
			BlockedUntil: rs.blockedUntil,
			RetryAfter:   block,
		}
	}

	cs := l.command(command)
	prune(&cs.requests, now.Add(-cs.limit.Window))
	if len(cs.requests) >= cs.limit.Requests {
		retry := cs.limit.Window
		if len(cs.requests) > 0 {
			retry = cs.requests[0].Add(cs.limit.Window).Sub(now)
		}
		l.logger.Warn("command rate limit exceeded",
			"command", command, "user", userID, "retry_after", retry)
		return Result{
			Reason:     fmt.Sprintf("rate limit exceeded for command %q", command),
			Event:      types.EventCommandRateLimit,
			RetryAfter: retry,
		}
	}

	return Result{Allowed: true}
}

// Record consumes one unit of both windows. Callers invoke it only
// after every other stage has allowed the command.
func (l *Limiter) Record(userID, command string, ectx types.ExecutionContext) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rs := l.role(ectx.Role)
	rs.requests = append(rs.requests, now)
	cs := l.command(command)
	cs.requests = append(cs.requests, now)
}

// Sweep prunes every window and clears expired lockouts. Violation
// counters reset only here, and only when their block has expired.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for role, rs := range l.roles {
		prune(&rs.requests, now.Add(-rs.limit.Window))
		if !rs.blockedUntil.IsZero() && !rs.blockedUntil.After(now) {
			rs.blockedUntil = time.Time{}
			rs.violations = 0
			l.logger.Debug("lockout expired", "role", role)
		}
	}
	for _, cs := range l.commands {
		prune(&cs.requests, now.Add(-cs.limit.Window))
	}
}

// Start launches the periodic sweep. Stop halts it.
func (l *Limiter) Start() {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.sweepLoop()
}

// Stop halts the sweep loop and waits for it to exit. Safe to call
// when Start never ran.
func (l *Limiter) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
	l.stopCh = nil
}

func (l *Limiter) sweepLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// RoleSnapshot is one role's current occupancy for dashboards.
type RoleSnapshot struct {
	Role         types.Role `json:"role"`
	Limit        int        `json:"limit"`
	WindowSecs   int        `json:"window_secs"`
	InWindow     int        `json:"in_window"`
	Violations   int        `json:"violations"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// CommandSnapshot is one command window's current occupancy.
type CommandSnapshot struct {
	Command    string `json:"command"`
	Limit      int    `json:"limit"`
	WindowSecs int    `json:"window_secs"`
	InWindow   int    `json:"in_window"`
}

// Snapshot reports occupancy for every configured role, including
// roles that have not been seen yet.
func (l *Limiter) Snapshot() []RoleSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snaps := make([]RoleSnapshot, 0, len(l.cfg.RoleLimits))
	for role, limit := range l.cfg.RoleLimits {
		snap := RoleSnapshot{
			Role:       role,
			Limit:      limit.Requests,
			WindowSecs: int(limit.Window.Seconds()),
		}
		if rs, ok := l.roles[role]; ok {
			snap.InWindow = countAfter(rs.requests, now.Add(-rs.limit.Window))
			snap.Violations = rs.violations
			if !rs.blockedUntil.IsZero() && rs.blockedUntil.After(now) {
				t := rs.blockedUntil
				snap.BlockedUntil = &t
			}
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Role < snaps[j].Role })
	return snaps
}

// CommandSnapshots reports occupancy for every command window touched
// so far.
func (l *Limiter) CommandSnapshots() []CommandSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snaps := make([]CommandSnapshot, 0, len(l.commands))
	for name, cs := range l.commands {
		snaps = append(snaps, CommandSnapshot{
			Command:    name,
			Limit:      cs.limit.Requests,
			WindowSecs: int(cs.limit.Window.Seconds()),
			InWindow:   countAfter(cs.requests, now.Add(-cs.limit.Window)),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Command < snaps[j].Command })
	return snaps
}

// role returns the state for a role, creating it on first sight.
// Callers hold l.mu.
func (l *Limiter) role(r types.Role) *roleState {
	rs, ok := l.roles[r]
	if !ok {
		limit, ok := l.cfg.RoleLimits[r]
		if !ok {
			limit = l.cfg.DefaultRole
		}
		rs = &roleState{limit: limit}
		l.roles[r] = rs
	}
	return rs
}

// command returns the state for a command, creating it on first sight.
// Callers hold l.mu.
func (l *Limiter) command(name string) *commandState {
	name = strings.ToLower(name)
	cs, ok := l.commands[name]
	if !ok {
		limit, ok := l.cfg.CommandLimits[name]
		if !ok {
			limit = l.cfg.DefaultCommand
		}
		cs = &commandState{limit: limit}
		l.commands[name] = cs
	}
	return cs
}

// prune drops timestamps at or before cutoff, reusing the backing
// array.
func prune(requests *[]time.Time, cutoff time.Time) {
	valid := (*requests)[:0]
	for _, t := range *requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	*requests = valid
}

func countAfter(requests []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range requests {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
