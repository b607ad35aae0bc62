package cli

import (
	"errors"
	"strings"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// ParseCommandLine splits a raw line into the command structure the
// gate evaluates. It is a development aid for the check subcommand,
// not the platform parser: tokens split on whitespace, --name=value
// becomes an option, --name becomes a flag, everything else is
// positional. Quoting is not supported.
func ParseCommandLine(line string) (*types.ParsedCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.New("cli: empty command line")
	}

	cmd := &types.ParsedCommand{
		Name:     strings.ToLower(fields[0]),
		Original: line,
	}

	for _, tok := range fields[1:] {
		if !strings.HasPrefix(tok, "--") {
			cmd.Args.Positional = append(cmd.Args.Positional, tok)
			continue
		}
		body := strings.TrimPrefix(tok, "--")
		if body == "" {
			continue
		}
		if name, value, ok := strings.Cut(body, "="); ok {
			if cmd.Args.Options == nil {
				cmd.Args.Options = make(map[string]string)
			}
			cmd.Args.Options[name] = value
		} else {
			if cmd.Args.Flags == nil {
				cmd.Args.Flags = make(map[string]bool)
			}
			cmd.Args.Flags[body] = true
		}
	}

	return cmd, nil
}
