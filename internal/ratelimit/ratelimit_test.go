package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/financeanalyst/cmdgate/internal/types"
)

func testConfig() Config {
	return Config{
		RoleLimits: map[types.Role]Limit{
			types.RoleAnalyst: {Requests: 3, Window: time.Minute},
		},
		CommandLimits: map[string]Limit{
			"analyze": {Requests: 2, Window: time.Minute},
		},
		DefaultRole:    Limit{Requests: 3, Window: time.Minute},
		DefaultCommand: Limit{Requests: 10, Window: time.Minute},
		SweepInterval:  time.Minute,
	}
}

// newTestLimiter pins the limiter to a fake clock so lockout walks are
// deterministic.
func newTestLimiter(cfg Config) (*Limiter, func(time.Duration)) {
	l := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, func(d time.Duration) { now = now.Add(d) }
}

func analystCtx() types.ExecutionContext {
	return types.ExecutionContext{
		UserID: "u1", SessionID: "s1", Role: types.RoleAnalyst,
		Authenticated: true, SessionVerified: true,
	}
}

func TestShippedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DefaultRole.Requests != 30 || cfg.DefaultRole.Window != time.Minute {
		t.Errorf("default role limit = %+v", cfg.DefaultRole)
	}
	if cfg.DefaultCommand.Requests != 20 || cfg.DefaultCommand.Window != time.Minute {
		t.Errorf("default command limit = %+v", cfg.DefaultCommand)
	}

	l, _ := newTestLimiter(cfg)
	ctx := types.ExecutionContext{
		UserID: "v1", SessionID: "s1", Role: types.RoleViewer,
		Authenticated: true, SessionVerified: true,
	}
	for i := 0; i < 30; i++ {
		if res := l.Check("v1", "quote", ctx); !res.Allowed {
			t.Fatalf("request %d denied: %s", i+1, res.Reason)
		}
		l.Record("v1", "quote", ctx)
	}
	res := l.Check("v1", "quote", ctx)
	if res.Allowed {
		t.Fatal("31st viewer request was allowed")
	}
	if !res.BlockedUntil.After(l.now()) {
		t.Error("denial does not carry a future blockedUntil")
	}
}

func TestRoleWindowDeniesOverLimit(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := analystCtx()

	for i := 0; i < 3; i++ {
		if res := l.Check("u1", "quote", ctx); !res.Allowed {
			t.Fatalf("request %d denied: %s", i+1, res.Reason)
		}
		l.Record("u1", "quote", ctx)
	}

	res := l.Check("u1", "quote", ctx)
	if res.Allowed {
		t.Fatal("request over the role limit was allowed")
	}
	if res.Event != types.EventRateLimitExceeded {
		t.Errorf("event = %q, want %q", res.Event, types.EventRateLimitExceeded)
	}
	if !res.BlockedUntil.After(l.now()) {
		t.Error("denial does not carry a future blockedUntil")
	}
}

func TestProgressiveLockoutSchedule(t *testing.T) {
	l, advance := newTestLimiter(testConfig())
	ctx := analystCtx()

	wants := []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		30 * time.Minute,
		30 * time.Minute, // capped at the last rung
	}

	for i, want := range wants {
		for j := 0; j < 3; j++ {
			l.Record("u1", "quote", ctx)
		}
		res := l.Check("u1", "quote", ctx)
		if res.Allowed {
			t.Fatalf("violation %d was allowed", i+1)
		}
		if res.RetryAfter != want {
			t.Errorf("violation %d lockout = %v, want %v", i+1, res.RetryAfter, want)
		}
		advance(want + time.Second)
	}
}

func TestLockoutDeniesUntilExpiry(t *testing.T) {
	l, advance := newTestLimiter(testConfig())
	ctx := analystCtx()

	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	if res := l.Check("u1", "quote", ctx); res.Allowed {
		t.Fatal("violation was allowed")
	}

	advance(10 * time.Second)
	res := l.Check("u1", "quote", ctx)
	if res.Allowed {
		t.Fatal("check during lockout was allowed")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 20*time.Second {
		t.Errorf("remaining lockout = %v, want about 20s", res.RetryAfter)
	}
	if got := l.roles[types.RoleAnalyst].violations; got != 1 {
		t.Errorf("lockout-phase denial changed violations to %d", got)
	}
}

func TestBlockExpiryKeepsViolations(t *testing.T) {
	l, advance := newTestLimiter(testConfig())
	ctx := analystCtx()

	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	if res := l.Check("u1", "quote", ctx); res.Allowed {
		t.Fatal("violation was allowed")
	}

	// Past both the 30s block and the window, with no sweep in between.
	advance(61 * time.Second)
	if res := l.Check("u1", "quote", ctx); !res.Allowed {
		t.Fatalf("check after block expiry denied: %s", res.Reason)
	}
	if got := l.roles[types.RoleAnalyst].violations; got != 1 {
		t.Fatalf("violations = %d after expiry without sweep, want 1", got)
	}

	// The next violation picks up at the second rung.
	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	res := l.Check("u1", "quote", ctx)
	if res.Allowed {
		t.Fatal("second violation was allowed")
	}
	if res.RetryAfter != 2*time.Minute {
		t.Errorf("second violation lockout = %v, want 2m", res.RetryAfter)
	}
}

func TestSweepResetsViolationsOnExpiryOnly(t *testing.T) {
	l, advance := newTestLimiter(testConfig())
	ctx := analystCtx()

	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	if res := l.Check("u1", "quote", ctx); res.Allowed {
		t.Fatal("violation was allowed")
	}

	l.Sweep()
	rs := l.roles[types.RoleAnalyst]
	if rs.violations != 1 || rs.blockedUntil.IsZero() {
		t.Fatal("sweep cleared a lockout that had not expired")
	}

	advance(31 * time.Second)
	l.Sweep()
	if rs.violations != 0 || !rs.blockedUntil.IsZero() {
		t.Fatal("sweep did not clear the expired lockout")
	}

	// Ladder restarts from the first rung after a sweep reset.
	advance(time.Minute)
	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	res := l.Check("u1", "quote", ctx)
	if res.Allowed {
		t.Fatal("violation after reset was allowed")
	}
	if res.RetryAfter != 30*time.Second {
		t.Errorf("post-reset lockout = %v, want 30s", res.RetryAfter)
	}
}

func TestCommandWindowRejectsWithoutLockout(t *testing.T) {
	l, advance := newTestLimiter(testConfig())
	ctx := analystCtx()

	for j := 0; j < 2; j++ {
		l.Record("u1", "analyze", ctx)
	}

	res := l.Check("u1", "analyze", ctx)
	if res.Allowed {
		t.Fatal("command over its limit was allowed")
	}
	if res.Event != types.EventCommandRateLimit {
		t.Errorf("event = %q, want %q", res.Event, types.EventCommandRateLimit)
	}
	if !res.BlockedUntil.IsZero() {
		t.Error("command denial set a lockout")
	}
	if got := l.roles[types.RoleAnalyst].violations; got != 0 {
		t.Errorf("command denial raised role violations to %d", got)
	}

	// Other commands still pass, and the window recovers on its own.
	if res := l.Check("u1", "quote", ctx); !res.Allowed {
		t.Errorf("unrelated command denied: %s", res.Reason)
	}
	advance(61 * time.Second)
	if res := l.Check("u1", "analyze", ctx); !res.Allowed {
		t.Errorf("command still denied after window passed: %s", res.Reason)
	}
}

func TestNoDeduplication(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := analystCtx()

	for i := 0; i < 2; i++ {
		if res := l.Check("u1", "quote", ctx); !res.Allowed {
			t.Fatalf("identical submission %d denied: %s", i+1, res.Reason)
		}
		l.Record("u1", "quote", ctx)
	}
	if got := len(l.roles[types.RoleAnalyst].requests); got != 2 {
		t.Errorf("window holds %d entries after two identical submissions, want 2", got)
	}
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := analystCtx()

	l.Record("u1", "analyze", ctx)
	l.Record("u1", "analyze", ctx)
	l.Check("u1", "analyze", ctx) // command denial, no lockout

	snaps := l.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("Snapshot returned %d roles, want 1", len(snaps))
	}
	if snaps[0].Role != types.RoleAnalyst || snaps[0].InWindow != 2 {
		t.Errorf("snapshot = %+v, want analyst with 2 in window", snaps[0])
	}

	cmds := l.CommandSnapshots()
	if len(cmds) != 1 || cmds[0].Command != "analyze" || cmds[0].InWindow != 2 {
		t.Errorf("command snapshots = %+v, want analyze with 2 in window", cmds)
	}
}

func TestSweepLoopStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	l, advance := newTestLimiter(cfg)
	ctx := analystCtx()

	for j := 0; j < 3; j++ {
		l.Record("u1", "quote", ctx)
	}
	if res := l.Check("u1", "quote", ctx); res.Allowed {
		t.Fatal("violation was allowed")
	}
	advance(31 * time.Second)

	l.Start()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	l.mu.Lock()
	violations := l.roles[types.RoleAnalyst].violations
	l.mu.Unlock()
	if violations != 0 {
		t.Errorf("violations = %d after sweep loop ran, want 0", violations)
	}
}

func TestSetConfigAppliesToLiveWindows(t *testing.T) {
	l, _ := newTestLimiter(testConfig())
	ctx := analystCtx()

	for i := 0; i < 2; i++ {
		l.Record("u1", "quote", ctx)
	}

	// Tighten the analyst quota below the recorded count.
	cfg := testConfig()
	cfg.RoleLimits = map[types.Role]Limit{
		types.RoleAnalyst: {Requests: 2, Window: time.Minute},
	}
	l.SetConfig(cfg)

	res := l.Check("u1", "quote", ctx)
	if res.Allowed {
		t.Fatal("expected denial under the tightened quota")
	}

	// Loosen it again; the lockout from the violation still applies,
	// so use a fresh limiter to confirm the relaxed quota admits.
	l2, _ := newTestLimiter(testConfig())
	l2.SetConfig(Config{
		RoleLimits: map[types.Role]Limit{
			types.RoleAnalyst: {Requests: 5, Window: time.Minute},
		},
	})
	for i := 0; i < 5; i++ {
		if res := l2.Check("u1", "quote", analystCtx()); !res.Allowed {
			t.Fatalf("request %d denied under relaxed quota: %s", i+1, res.Reason)
		}
		l2.Record("u1", "quote", analystCtx())
	}
}
