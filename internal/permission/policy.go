package permission

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// defaultCategory is assumed for commands that declare nothing.
const defaultCategory = "financial"

// CommandPolicy is the per-command override entry. Declared
// permissions take precedence over the built-in command map.
type CommandPolicy struct {
	Category    string   `yaml:"category"`
	Permissions []string `yaml:"permissions"`
}

// Policy is the full authorization table the engine evaluates against.
// Command sets are keyed by lowercased name.
type Policy struct {
	Roles       map[types.Role][]string
	Commands    map[string]CommandPolicy
	Sensitive   map[string]bool
	Privileged  map[string]bool
	AnalystOnly map[string]bool
	Universal   map[string]bool
}

// defaultCommandPermissions maps the platform command surface to its
// required permissions. A policy file's commands section overrides
// individual entries; anything absent from both falls back to
// "<category>:read".
var defaultCommandPermissions = map[string][]string{
	"quote":       {"market:read"},
	"history":     {"market:read"},
	"indices":     {"market:read"},
	"company":     {"market:read"},
	"financials":  {"market:read"},
	"analyze":     {"financial:analyze"},
	"portfolio":   {"financial:analyze"},
	"risk":        {"financial:analyze"},
	"options":     {"financial:analyze"},
	"derivatives": {"financial:analyze"},
	"stress":      {"financial:analyze"},
	"insights":    {"ai:analyze"},
	"predict":     {"ai:analyze"},
	"sentiment":   {"ai:analyze"},
	"export":      {"data:export"},
	"import":      {"data:import"},
	"settings":    {"system:settings"},
	"session":     {"system:session"},
	"status":      {"system:read"},
	"usage":       {"system:read"},
}

// Default returns the built-in policy: three roles, the sensitive and
// privileged command sets, and the universal allowlist.
func Default() *Policy {
	return &Policy{
		Roles: map[types.Role][]string{
			types.RoleAdmin: {
				"financial:*", "market:*", "ai:*", "data:*", "system:*",
			},
			types.RoleAnalyst: {
				"financial:*", "market:read", "ai:analyze", "data:export", "system:read",
			},
			types.RoleViewer: {
				"financial:read", "market:read", "system:read",
			},
		},
		Commands:    map[string]CommandPolicy{},
		Sensitive:   nameSet("export", "import", "settings", "session"),
		Privileged:  nameSet("settings", "import", "webhook"),
		AnalystOnly: nameSet("analyze", "risk", "predict", "stress"),
		Universal:   nameSet("help", "clear"),
	}
}

// policyFile is the YAML shape of an on-disk policy. Sections that are
// present replace the corresponding defaults wholesale; absent
// sections keep them.
type policyFile struct {
	Roles       map[string][]string      `yaml:"roles"`
	Commands    map[string]CommandPolicy `yaml:"commands"`
	Sensitive   []string                 `yaml:"sensitive"`
	Privileged  []string                 `yaml:"privileged"`
	AnalystOnly []string                 `yaml:"analyst_only"`
	Universal   []string                 `yaml:"universal"`
}

// Load reads a YAML policy file and merges it over Default.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permission: read policy: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("permission: parse policy: %w", err)
	}

	p := Default()
	for role, perms := range f.Roles {
		r := types.Role(strings.ToLower(role))
		if !r.IsValid() {
			return nil, fmt.Errorf("permission: unknown role %q in policy", role)
		}
		p.Roles[r] = perms
	}
	for name, cp := range f.Commands {
		p.Commands[strings.ToLower(name)] = cp
	}
	if f.Sensitive != nil {
		p.Sensitive = nameSet(f.Sensitive...)
	}
	if f.Privileged != nil {
		p.Privileged = nameSet(f.Privileged...)
	}
	if f.AnalystOnly != nil {
		p.AnalystOnly = nameSet(f.AnalystOnly...)
	}
	if f.Universal != nil {
		p.Universal = nameSet(f.Universal...)
	}
	return p, nil
}

func nameSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}
