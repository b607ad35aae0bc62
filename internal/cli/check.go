package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/config"
	"github.com/financeanalyst/cmdgate/internal/gate"
	"github.com/financeanalyst/cmdgate/internal/sandbox"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// CheckCommand handles 'cmdgate check': run one command line through
// a gate built from file configuration and print the verdict. Exit
// code 0 means allowed, 1 means denied.
func CheckCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	user := fs.String("user", "dev", "User ID for the evaluation context")
	role := fs.String("role", "admin", "Role for the evaluation context")
	verified := fs.Bool("verified", true, "Treat the session as identity-verified")
	probe := fs.Bool("run", false, "On approval, run a no-op handler in the sandbox")
	asJSON := fs.Bool("json", false, "Print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cmdgate check [options] '<command line>'")
		return 1
	}
	line := strings.Join(fs.Args(), " ")

	cmd, err := ParseCommandLine(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	st, err := OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	g, err := BuildGate(cfg, st, nil, getLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ectx := types.ExecutionContext{
		UserID:          *user,
		SessionID:       "cli",
		Role:            types.Role(strings.ToLower(*role)),
		Authenticated:   true,
		SessionVerified: *verified,
	}

	res := g.Evaluate(cmd, ectx)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
			return 1
		}
	} else {
		printVerdict(cmd.Original, res)
	}

	if !res.Allowed {
		return 1
	}
	if *probe {
		return runProbe(cfg, g, cmd, ectx, res)
	}
	return 0
}

func printVerdict(original string, res gate.Result) {
	if res.Allowed {
		fmt.Println("✓ allowed")
		if res.Cleaned != original {
			fmt.Printf("  cleaned: %s\n", res.Cleaned)
		}
		if res.Authorization != nil {
			fmt.Printf("  authorization: %s (expires in %s)\n",
				res.Authorization.ID, res.Authorization.TTL)
		}
		return
	}

	fmt.Printf("✗ denied at %s: %s\n", res.Stage, res.Reason)
	if len(res.Warnings) > 1 {
		for _, w := range res.Warnings[1:] {
			fmt.Printf("  also: %s\n", w)
		}
	}
	if res.RequiredPermission != "" {
		fmt.Printf("  requires permission: %s\n", res.RequiredPermission)
	}
	if res.RetryAfterSecs > 0 {
		fmt.Printf("  retry after: %ds\n", res.RetryAfterSecs)
	}
}

// runProbe executes a no-op handler under the authorization the gate
// just issued, proving the approve-then-execute path end to end.
func runProbe(cfg *config.Config, g *gate.Gate, cmd *types.ParsedCommand, ectx types.ExecutionContext, res gate.Result) int {
	if !cfg.Features.Sandbox {
		fmt.Println("  sandbox disabled in config, skipping execution probe")
		return 0
	}

	runner := sandbox.New(time.Duration(cfg.Sandbox.TimeoutSecs)*time.Second, g.Events(), getLogger())
	h := sandbox.HandlerFunc(func(ctx context.Context, env *sandbox.Env, args types.CommandArgs) (any, error) {
		return fmt.Sprintf("probe ok for %s", env.UserID), nil
	})

	sres := runner.Execute(context.Background(), res.Authorization, h, cmd, ectx)
	if sres.Err != nil {
		fmt.Fprintf(os.Stderr, "Error: sandbox probe: %v\n", sres.Err)
		return 1
	}
	fmt.Printf("  sandbox probe: %v (%s)\n", sres.Value, sres.Elapsed.Round(time.Millisecond))
	return 0
}
