// Package validate performs structural and type checks on parsed
// commands. It runs after sanitization and before authorization, so
// everything it sees is already free of hard-reject input patterns.
package validate

import (
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// ArgType names a typed argument validator.
type ArgType string

const (
	TypeSymbol     ArgType = "symbol"
	TypeNumber     ArgType = "number"
	TypePercentage ArgType = "percentage"
	TypeEmail      ArgType = "email"
	TypeDate       ArgType = "date"
	TypeURL        ArgType = "url"
)

// ArgSpec describes one expected argument of a command. Values are
// resolved from the option with the same name first, then from the
// positional at the spec's index.
type ArgSpec struct {
	Name     string
	Type     ArgType
	Required bool
	Min      *float64
	Max      *float64
	Pattern  string
}

// Result accumulates everything the validator found. A command is
// allowed only when nothing was flagged.
type Result struct {
	Allowed  bool
	Warnings []string
	Patterns []string
}

// commandNameRe is the shape every registered command name must have.
var commandNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

var (
	symbolRe = regexp.MustCompile(`^[A-Z]{1,5}([.-][A-Z]{1,2})?$`)
	dateRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// suspiciousPattern flags input that survived sanitization but still
// looks like probing. Matches block the command and are recorded for
// the audit trail under their tag.
type suspiciousPattern struct {
	tag string
	re  *regexp.Regexp
}

var suspiciousPatterns = []suspiciousPattern{
	{"script_keyword", regexp.MustCompile(`(?i)<script|javascript:|\beval\s*\(|\bexec\s*\(`)},
	{"credential_probe", regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|auth[_-]?token)\s*=`)},
	{"dom_global", regexp.MustCompile(`(?i)\b(document|window|globalThis)\s*\.`)},
	{"destructive_sql", regexp.MustCompile(`(?i)\b(drop|truncate)\s+(table|database)\b|\bdelete\s+from\b`)},
}

// Validator is the second gate stage.
type Validator struct {
	maxCommandLength int
	maxArgs          int
	specs            map[string][]ArgSpec
	logger           *slog.Logger
}

// New returns a Validator with the given structural ceilings. Zero or
// negative ceilings fall back to the defaults (1000 chars, 50 args).
func New(maxCommandLength, maxArgs int, logger *slog.Logger) *Validator {
	if maxCommandLength <= 0 {
		maxCommandLength = 1000
	}
	if maxArgs <= 0 {
		maxArgs = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		maxCommandLength: maxCommandLength,
		maxArgs:          maxArgs,
		specs:            make(map[string][]ArgSpec),
		logger:           logger.With("component", "validate"),
	}
}

// RegisterSpec declares the expected arguments for a command. Commands
// without a spec get structural checks only.
func (v *Validator) RegisterSpec(command string, specs ...ArgSpec) {
	v.specs[strings.ToLower(command)] = specs
}

// Check runs every structural, typed and pattern check and reports the
// combined outcome. Checks never short-circuit: a denied command lists
// everything wrong with it.
func (v *Validator) Check(cmd *types.ParsedCommand) Result {
	res := Result{}

	if cmd.Name == "" {
		res.Warnings = append(res.Warnings, "command name is empty")
	} else if !commandNameRe.MatchString(cmd.Name) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("command name %q is malformed", cmd.Name))
	}

	if len(cmd.Original) > v.maxCommandLength {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("command length %d exceeds limit %d", len(cmd.Original), v.maxCommandLength))
	}

	if n := cmd.ArgCount(); n > v.maxArgs {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("argument count %d exceeds limit %d", n, v.maxArgs))
	}

	for i, spec := range v.specs[strings.ToLower(cmd.Name)] {
		value, ok := cmd.Option(spec.Name)
		if !ok && i < len(cmd.Args.Positional) {
			value, ok = cmd.Args.Positional[i], true
		}
		if !ok {
			if spec.Required {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("missing required argument %q", spec.Name))
			}
			continue
		}
		if warn := checkArg(spec, value); warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}

	for _, p := range suspiciousPatterns {
		if p.re.MatchString(cmd.Original) {
			res.Patterns = append(res.Patterns, p.tag)
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("suspicious pattern: %s", p.tag))
		}
	}

	res.Allowed = len(res.Warnings) == 0
	if !res.Allowed {
		v.logger.Debug("command failed validation",
			"command", cmd.Name, "warnings", len(res.Warnings))
	}
	return res
}

// checkArg applies one spec to one resolved value. An empty return
// means the value passed.
func checkArg(spec ArgSpec, value string) string {
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil || !re.MatchString(value) {
			return fmt.Sprintf("argument %q does not match required pattern", spec.Name)
		}
	}

	switch spec.Type {
	case TypeSymbol:
		if !symbolRe.MatchString(value) {
			return fmt.Sprintf("argument %q is not a valid ticker symbol", spec.Name)
		}
	case TypeNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Sprintf("argument %q is not a number", spec.Name)
		}
		if w := checkRange(spec, f); w != "" {
			return w
		}
	case TypePercentage:
		f, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return fmt.Sprintf("argument %q is not a percentage", spec.Name)
		}
		if spec.Min == nil && spec.Max == nil && (f < 0 || f > 100) {
			return fmt.Sprintf("argument %q is outside 0-100", spec.Name)
		}
		if w := checkRange(spec, f); w != "" {
			return w
		}
	case TypeEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Sprintf("argument %q is not a valid email address", spec.Name)
		}
	case TypeDate:
		if !dateRe.MatchString(value) {
			return fmt.Sprintf("argument %q is not a YYYY-MM-DD date", spec.Name)
		}
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return fmt.Sprintf("argument %q is not a calendar date", spec.Name)
		}
	case TypeURL:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Sprintf("argument %q is not an http(s) URL", spec.Name)
		}
	}
	return ""
}

func checkRange(spec ArgSpec, f float64) string {
	if spec.Min != nil && f < *spec.Min {
		return fmt.Sprintf("argument %q is below minimum %v", spec.Name, *spec.Min)
	}
	if spec.Max != nil && f > *spec.Max {
		return fmt.Sprintf("argument %q is above maximum %v", spec.Name, *spec.Max)
	}
	return ""
}
