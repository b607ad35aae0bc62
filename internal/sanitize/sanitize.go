// Package sanitize screens raw command text for adversarial input
// before any other gate stage sees it. Matching is deliberately
// aggressive: a hard pattern match rejects the whole input rather
// than attempting to repair it.
package sanitize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Violation reports a hard-reject pattern match in raw input. The
// matched text is kept for the audit trail but never echoed into the
// error string.
type Violation struct {
	Category string
	Matched  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("sanitize: %s pattern in input", v.Category)
}

// hardPattern is a pattern class that rejects input outright.
type hardPattern struct {
	category string
	re       *regexp.Regexp
}

// hardPatterns are checked before any stripping so that an attacker
// cannot hide a payload behind characters the soft pass would remove.
var hardPatterns = []hardPattern{
	{"path_traversal", regexp.MustCompile(`\.\.[/\\]`)},
	{"path_traversal", regexp.MustCompile(`(?i)%2e%2e`)},
	{"format_string", regexp.MustCompile(`%[sdifoxXn]`)},
	{"template_injection", regexp.MustCompile(`\$\{[^}]*\}`)},
	{"template_injection", regexp.MustCompile(`<%.*?%>`)},
	{"code_execution", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"code_execution", regexp.MustCompile(`(?i)\bnew\s+Function\s*\(`)},
	{"prototype_pollution", regexp.MustCompile(`(?i)__proto__`)},
	{"prototype_pollution", regexp.MustCompile(`(?i)\bconstructor\s*\.\s*prototype\b`)},
	{"xss_markup", regexp.MustCompile(`(?i)<\s*(script|iframe|object|embed)\b`)},
	{"xss_markup", regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)},
	{"xss_markup", regexp.MustCompile(`(?i)data:text/html`)},
	{"xss_markup", regexp.MustCompile(`(?i)\bon\w+\s*=`)},
}

// stripPatterns are shell metacharacters removed from input that
// survived the hard pass. Removal, not rejection: a semicolon in a
// note argument is noise, not an attack on its own.
var stripPatterns = []string{
	"&&", "||", "$(", "`", ";", "<", ">", "\n", "\r",
}

// Sanitizer is the first gate stage.
type Sanitizer struct {
	logger *slog.Logger
}

// New returns a Sanitizer logging through the given logger.
func New(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{logger: logger.With("component", "sanitize")}
}

// Clean screens raw input. It returns the stripped text on success,
// or an empty string and a *Violation when a hard pattern matches.
func (s *Sanitizer) Clean(raw string) (string, error) {
	for _, p := range hardPatterns {
		if m := p.re.FindString(raw); m != "" {
			s.logger.Warn("input rejected", "category", p.category)
			return "", &Violation{Category: p.category, Matched: truncate(m, 64)}
		}
	}

	cleaned := raw
	for _, pat := range stripPatterns {
		cleaned = strings.ReplaceAll(cleaned, pat, "")
	}
	cleaned = strings.ReplaceAll(cleaned, "$", "")
	return strings.TrimSpace(cleaned), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
