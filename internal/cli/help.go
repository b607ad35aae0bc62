package cli

import (
	"fmt"
	"os"
)

// commandInfo describes a top-level subcommand.
type commandInfo struct {
	Name     string
	Args     string
	Short    string
	Long     string
	Examples []string
}

var commands = []commandInfo{
	{
		Name:  "serve",
		Args:  "[--config <file>]",
		Short: "Start the gate daemon (default action)",
		Long: `Start the cmdgate daemon.

Loads the four-stage pipeline from the config file and exposes the
REST API and live event stream on the configured port (default :8090).`,
		Examples: []string{
			"cmdgate",
			"cmdgate serve",
			"cmdgate serve --config /etc/cmdgate/cmdgate.toml",
		},
	},
	{
		Name:  "check",
		Args:  "[options] '<command line>'",
		Short: "Evaluate a command line and print the verdict",
		Long: `Run one command line through the full pipeline without starting
the daemon. Exit code 0 means allowed, 1 means denied.

The built-in line parser is a development aid: whitespace-separated
tokens, --name=value options, --name flags.`,
		Examples: []string{
			"cmdgate check 'quote AAPL'",
			"cmdgate check --role viewer 'analyze MSFT --depth=full'",
			"cmdgate check --json 'export report --format=csv'",
			"cmdgate check --run 'quote AAPL'",
		},
	},
	{
		Name:  "events",
		Args:  "[--since <dur>] [--type <t,...>]",
		Short: "Read the audit archive",
		Long:  `Print archived security events, oldest first.`,
		Examples: []string{
			"cmdgate events",
			"cmdgate events --since 2h",
			"cmdgate events --type rate_limit_exceeded,permission_denied",
			"cmdgate events --json --since 15m",
		},
	},
	{
		Name:  "token",
		Args:  "[--verified=false] <user> <role>",
		Short: "Issue a dev token pair (requires CMDGATE_JWT_SECRET)",
		Long:  `Sign an access/refresh token pair for the given user and role.`,
		Examples: []string{
			"cmdgate token alice admin",
			"cmdgate token --verified=false bob analyst",
		},
	},
	{
		Name:  "version",
		Short: "Print version and build information",
		Examples: []string{
			"cmdgate version",
			"cmdgate --version",
		},
	},
}

// PrintHelp prints top-level help (cmdgate help).
func PrintHelp(binaryName string) {
	fmt.Fprintf(os.Stdout, `cmdgate - command security gate
https://github.com/financeanalyst/cmdgate

USAGE:
  %s [command] [flags]

COMMANDS:
`, binaryName)

	for _, c := range commands {
		fmt.Fprintf(os.Stdout, "  %-9s %-34s %s\n", c.Name, c.Args, c.Short)
	}

	fmt.Fprintf(os.Stdout, `
GLOBAL FLAGS:
  --config <file>   Path to config file (default: cmdgate.toml)
  --version         Print version information
  -h, --help        Show this help message

Run '%s help <command>' for detailed help on a specific command.
`, binaryName)
}

// PrintCommandHelp prints help for a specific subcommand.
func PrintCommandHelp(binaryName, cmdName string) int {
	for _, c := range commands {
		if c.Name != cmdName {
			continue
		}
		fmt.Fprintf(os.Stdout, "COMMAND: %s %s\n\n", binaryName, c.Name)
		if c.Args != "" {
			fmt.Fprintf(os.Stdout, "USAGE:\n  %s %s %s\n\n", binaryName, c.Name, c.Args)
		}
		if c.Long != "" {
			fmt.Fprintf(os.Stdout, "DESCRIPTION:\n  %s\n\n", c.Long)
		}
		if len(c.Examples) > 0 {
			fmt.Fprintln(os.Stdout, "EXAMPLES:")
			for _, ex := range c.Examples {
				fmt.Fprintf(os.Stdout, "  %s\n", ex)
			}
			fmt.Fprintln(os.Stdout)
		}
		return 0
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\nRun '%s help' for a list of commands.\n", cmdName, binaryName)
	return 1
}

// CommandNames returns all valid command names (used for error messages).
func CommandNames() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	return names
}
