// Package permission resolves whether a role may invoke a command,
// applying wildcard grants, argument escalation and context rules.
package permission

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// Result is the outcome of one permission check. Required names the
// first unmet permission when the denial was permission-shaped.
type Result struct {
	Allowed  bool
	Reason   string
	Required string
}

// writeVerbs escalate a command to the writing form of its category.
var writeVerbs = nameSet("create", "update", "delete", "modify", "save")

// adminVerbs escalate a command to system administration.
var adminVerbs = nameSet("admin", "config", "settings", "system")

// Engine is the third gate stage.
type Engine struct {
	policy *Policy
	logger *slog.Logger
}

// New returns an Engine evaluating against the given policy. A nil
// policy gets the built-in defaults.
func New(policy *Policy, logger *slog.Logger) *Engine {
	if policy == nil {
		policy = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{policy: policy, logger: logger.With("component", "permission")}
}

// Policy exposes the engine's table for read-only inspection.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Check resolves the command's required permissions against the
// context's role and applies the contextual rules. The first unmet
// requirement denies; nothing is aggregated.
func (e *Engine) Check(cmd *types.ParsedCommand, ectx types.ExecutionContext) Result {
	name := strings.ToLower(cmd.Name)

	if !ectx.Role.IsValid() {
		return e.deny(name, ectx, fmt.Sprintf("role %q is not recognized", ectx.Role), "")
	}
	if e.policy.Universal[name] {
		return Result{Allowed: true}
	}

	granted := e.policy.Roles[ectx.Role]
	for _, req := range e.requiredPermissions(name) {
		if !satisfies(granted, req) {
			return e.deny(name, ectx, fmt.Sprintf("missing permission %q", req), req)
		}
	}
	for _, req := range e.escalations(name, cmd.Args.Positional) {
		if !satisfies(granted, req) {
			return e.deny(name, ectx, fmt.Sprintf("argument requires permission %q", req), req)
		}
	}

	if e.policy.Sensitive[name] && !(ectx.Authenticated && ectx.SessionVerified) {
		return e.deny(name, ectx,
			fmt.Sprintf("%s requires an authenticated, verified session", name), "")
	}
	if e.policy.Privileged[name] && ectx.Role != types.RoleAdmin && ectx.Role != types.RoleAnalyst {
		return e.deny(name, ectx,
			fmt.Sprintf("%s is limited to admin and analyst roles", name), "")
	}
	if e.policy.AnalystOnly[name] && ectx.Role == types.RoleViewer {
		return e.deny(name, ectx,
			fmt.Sprintf("%s is not available to the viewer role", name), "")
	}

	return Result{Allowed: true}
}

// requiredPermissions resolves the permission list for a command:
// declared policy entry, then the built-in map, then the category
// read fallback.
func (e *Engine) requiredPermissions(name string) []string {
	if cp, ok := e.policy.Commands[name]; ok && len(cp.Permissions) > 0 {
		return cp.Permissions
	}
	if perms, ok := defaultCommandPermissions[name]; ok {
		return perms
	}
	return []string{e.commandCategory(name) + ":read"}
}

// commandCategory resolves the category used for escalation and the
// read fallback.
func (e *Engine) commandCategory(name string) string {
	if cp, ok := e.policy.Commands[name]; ok && cp.Category != "" {
		return cp.Category
	}
	if perms, ok := defaultCommandPermissions[name]; ok && len(perms) > 0 {
		if cat, _, found := strings.Cut(perms[0], ":"); found {
			return cat
		}
	}
	return defaultCategory
}

// escalations returns the extra permissions positional arguments
// demand. Write verbs require the category's write grant, admin verbs
// require system:admin.
func (e *Engine) escalations(name string, positional []string) []string {
	var extra []string
	needWrite, needAdmin := false, false
	for _, arg := range positional {
		a := strings.ToLower(arg)
		if writeVerbs[a] {
			needWrite = true
		}
		if adminVerbs[a] {
			needAdmin = true
		}
	}
	if needWrite {
		extra = append(extra, e.commandCategory(name)+":write")
	}
	if needAdmin {
		extra = append(extra, "system:admin")
	}
	return extra
}

func (e *Engine) deny(name string, ectx types.ExecutionContext, reason, required string) Result {
	e.logger.Debug("permission denied",
		"command", name, "role", ectx.Role, "reason", reason)
	return Result{Reason: reason, Required: required}
}

// satisfies reports whether the granted list covers required, either
// exactly or through a category wildcard.
func satisfies(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if cat, ok := strings.CutSuffix(g, ":*"); ok && strings.HasPrefix(required, cat+":") {
			return true
		}
	}
	return false
}
