// Package sandbox executes command handlers inside a capability
// allowlist and a soft execution budget. Handlers never see process
// globals; everything they may touch arrives through Env. Dynamic
// script handlers are additionally screened lexically before each run.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/financeanalyst/cmdgate/internal/audit"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// DefaultTimeout is the execution budget when the config sets none.
const DefaultTimeout = 30 * time.Second

var (
	ErrNoHandler     = errors.New("sandbox: no handler")
	ErrNoInterpreter = errors.New("sandbox: script handler has no interpreter")
	ErrCapability    = errors.New("sandbox: capability not allowed")
	ErrAuthorization = errors.New("sandbox: authorization invalid")
)

// ViolationError reports a disallowed construct in handler source.
type ViolationError struct {
	Construct string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox: disallowed construct %q in handler source", e.Construct)
}

// TimeoutError reports an execution that exceeded its budget. The
// handler may still be running when this is returned; callers must
// not trust any side effect it produces afterward.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox: execution exceeded %s budget", e.Budget)
}

// Handler is a command's executable logic.
type Handler interface {
	Run(ctx context.Context, env *Env, args types.CommandArgs) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env *Env, args types.CommandArgs) (any, error)

func (f HandlerFunc) Run(ctx context.Context, env *Env, args types.CommandArgs) (any, error) {
	return f(ctx, env, args)
}

// Sourced is implemented by handlers whose logic is dynamic text.
// Their source is screened before every execution; native handlers
// need no screening because Env is all they can reach.
type Sourced interface {
	Source() string
}

// ScriptHandler pairs user-supplied script text with the callback
// that interprets it.
type ScriptHandler struct {
	Body      string
	Interpret func(ctx context.Context, env *Env, body string, args types.CommandArgs) (any, error)
}

func (h *ScriptHandler) Run(ctx context.Context, env *Env, args types.CommandArgs) (any, error) {
	if h.Interpret == nil {
		return nil, ErrNoInterpreter
	}
	return h.Interpret(ctx, env, h.Body, args)
}

func (h *ScriptHandler) Source() string {
	return h.Body
}

// Env is the restricted environment a handler runs against: read-only
// session facts plus whatever capabilities the runner allowlisted.
type Env struct {
	UserID    string
	SessionID string
	Role      types.Role
	Timestamp time.Time

	caps     map[string]any
	onDenied func(capability string)
}

// Capability returns an allowlisted primitive by name. Requests for
// anything else fail and are recorded as sandbox violations.
func (e *Env) Capability(name string) (any, error) {
	if v, ok := e.caps[name]; ok {
		return v, nil
	}
	if e.onDenied != nil {
		e.onDenied(name)
	}
	return nil, fmt.Errorf("%w: %q", ErrCapability, name)
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Value    any
	Err      error
	Elapsed  time.Duration
	TimedOut bool
}

// Runner is the execution stage behind the gate. It is safe for
// concurrent use.
type Runner struct {
	timeout time.Duration
	caps    map[string]any
	log     *audit.Log
	logger  *slog.Logger
	now     func() time.Time

	scanMu sync.Mutex
	scans  map[[32]byte]string
}

// New returns a Runner with the given budget. A nil audit log
// disables event recording, nothing else.
func New(timeout time.Duration, log *audit.Log, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		timeout: timeout,
		caps:    defaultCapabilities(),
		log:     log,
		logger:  logger.With("component", "sandbox"),
		now:     time.Now,
		scans:   make(map[[32]byte]string),
	}
}

// RegisterCapability adds a primitive to the allowlist handed to
// every handler. Call before serving traffic.
func (r *Runner) RegisterCapability(name string, v any) {
	r.caps[name] = v
}

func defaultCapabilities() map[string]any {
	return map[string]any{
		"now": func() time.Time { return time.Now() },
	}
}

// Execute screens and runs a handler under the configured budget. The
// budget is a race, not a kill: when the timer wins, the handler
// goroutine keeps running and its eventual result is discarded, so a
// timed-out command's side effects must not be trusted.
func (r *Runner) Execute(ctx context.Context, auth *types.Authorization, h Handler, cmd *types.ParsedCommand, ectx types.ExecutionContext) Result {
	start := time.Now()

	if h == nil {
		return Result{Err: ErrNoHandler}
	}
	if err := r.authorize(auth, cmd, ectx); err != nil {
		r.record(types.EventSandboxViolation, ectx.UserID, cmd.Name,
			map[string]any{"reason": err.Error()})
		return Result{Err: err}
	}

	if src, ok := h.(Sourced); ok {
		if construct, found := r.screen(src.Source()); found {
			r.logger.Warn("handler source rejected",
				"command", cmd.Name, "construct", construct)
			r.record(types.EventDangerousCode, ectx.UserID, cmd.Name,
				map[string]any{"construct": construct})
			return Result{Err: &ViolationError{Construct: construct}}
		}
	}

	env := &Env{
		UserID:    ectx.UserID,
		SessionID: ectx.SessionID,
		Role:      ectx.Role,
		Timestamp: r.now(),
		caps:      r.caps,
		onDenied: func(capability string) {
			r.record(types.EventSandboxViolation, ectx.UserID, cmd.Name,
				map[string]any{"capability": capability})
		},
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so the handler's late send never leaks a goroutine
	// after a timeout.
	done := make(chan outcome, 1)
	go func() {
		value, err := h.Run(execCtx, env, cmd.Args)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			r.record(types.EventSandboxExecutionErr, ectx.UserID, cmd.Name,
				map[string]any{"error": out.err.Error()})
			return Result{Err: out.err, Elapsed: elapsed}
		}
		return Result{Value: out.value, Elapsed: elapsed}
	case <-execCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			r.record(types.EventSandboxExecutionErr, ectx.UserID, cmd.Name,
				map[string]any{"timeout": r.timeout.String()})
			return Result{Err: &TimeoutError{Budget: r.timeout}, Elapsed: elapsed, TimedOut: true}
		}
		return Result{Err: execCtx.Err(), Elapsed: elapsed}
	}
}

// authorize validates the gate's grant against the command about to
// run.
func (r *Runner) authorize(auth *types.Authorization, cmd *types.ParsedCommand, ectx types.ExecutionContext) error {
	if auth == nil {
		return fmt.Errorf("%w: no grant presented", ErrAuthorization)
	}
	if auth.UserID != ectx.UserID {
		return fmt.Errorf("%w: grant issued to a different user", ErrAuthorization)
	}
	if !strings.EqualFold(auth.Command, cmd.Name) {
		return fmt.Errorf("%w: grant issued for command %q", ErrAuthorization, auth.Command)
	}
	if auth.Expired(r.now()) {
		return fmt.Errorf("%w: grant expired", ErrAuthorization)
	}
	return nil
}

func (r *Runner) record(t types.EventType, userID, command string, details map[string]any) {
	if r.log == nil {
		return
	}
	r.log.Record(t, userID, command, details)
}
