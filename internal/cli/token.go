package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/session"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// TokenCommand handles 'cmdgate token <user> <role>': issue a token
// pair signed with CMDGATE_JWT_SECRET. Meant for development and
// operator scripting, not end-user auth.
func TokenCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	verified := fs.Bool("verified", true, "Mark the session as identity-verified")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: cmdgate token [options] <user> <role>")
		return 1
	}
	userID := fs.Arg(0)
	role := types.Role(strings.ToLower(fs.Arg(1)))
	if !role.IsValid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q (valid: admin, analyst, viewer)\n", fs.Arg(1))
		return 1
	}

	secret := session.Secret()
	if len(secret) == 0 {
		fmt.Fprintln(os.Stderr, "Error: CMDGATE_JWT_SECRET is not set")
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	mgr := session.NewManager(secret,
		time.Duration(cfg.Session.TokenTTLMin)*time.Minute,
		time.Duration(cfg.Session.RefreshTTLHours)*time.Hour,
		getLogger())

	pair, err := mgr.Issue(userID, role, *verified)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pair); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding token pair: %v\n", err)
		return 1
	}
	return 0
}
