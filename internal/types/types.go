// Package types provides shared types used across cmdgate packages
// to avoid import cycles between the stage engines and the gate.
package types

import "time"

// Role is the access level attached to a session.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// ValidRoles lists every role the gate recognizes. Anything else is
// treated as unknown and denied by the permission engine.
var ValidRoles = []Role{RoleAdmin, RoleAnalyst, RoleViewer}

// IsValid reports whether r is one of the recognized roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// CommandArgs holds the parsed argument forms of a command invocation.
type CommandArgs struct {
	Positional []string          `json:"positional,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
	Flags      map[string]bool   `json:"flags,omitempty"`
}

// ParsedCommand is the parser's output handed to the gate. The gate
// never mutates it; sanitization produces cleaned copies of the raw
// text instead of rewriting the struct.
type ParsedCommand struct {
	Name     string      `json:"name"`
	Original string      `json:"original"`
	Args     CommandArgs `json:"args"`
}

// ArgCount returns the total number of positionals, options and flags,
// the figure the validator compares against its argument ceiling.
func (c *ParsedCommand) ArgCount() int {
	return len(c.Args.Positional) + len(c.Args.Options) + len(c.Args.Flags)
}

// Option returns the named option value and whether it was present.
func (c *ParsedCommand) Option(name string) (string, bool) {
	v, ok := c.Args.Options[name]
	return v, ok
}

// HasFlag reports whether the named boolean flag was set.
func (c *ParsedCommand) HasFlag(name string) bool {
	return c.Args.Flags[name]
}

// ExecutionContext carries the session facts the permission engine and
// rate limiter key on. It is assembled by the session layer, not by
// callers of the gate.
type ExecutionContext struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	Role            Role   `json:"role"`
	Authenticated   bool   `json:"authenticated"`
	SessionVerified bool   `json:"session_verified"`
}

// EventType classifies a security event.
type EventType string

const (
	EventBlockedRequest      EventType = "blocked_request"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventCommandRateLimit    EventType = "command_rate_limit_exceeded"
	EventPermissionDenied    EventType = "permission_denied"
	EventSandboxViolation    EventType = "sandbox_violation"
	EventDangerousCode       EventType = "dangerous_code_detected"
	EventSandboxExecutionErr EventType = "sandbox_execution_error"
)

// SecurityEvent is one observational record in the audit log. Events
// describe decisions already made; nothing reads them back to decide.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Command   string         `json:"command,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Authorization is the gate's short-lived grant to execute one
// evaluated command. The sandbox refuses to run without a live one.
type Authorization struct {
	ID       string        `json:"id"`
	UserID   string        `json:"user_id"`
	Command  string        `json:"command"`
	IssuedAt time.Time     `json:"issued_at"`
	TTL      time.Duration `json:"ttl"`
}

// Expired reports whether the grant's TTL has passed at now.
func (a *Authorization) Expired(now time.Time) bool {
	return now.After(a.IssuedAt.Add(a.TTL))
}
