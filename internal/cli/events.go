package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/financeanalyst/cmdgate/internal/audit"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// EventsCommand handles 'cmdgate events': read the audit archive and
// print matching events, oldest first.
func EventsCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	since := fs.Duration("since", 24*time.Hour, "How far back to read")
	typeList := fs.String("type", "", "Comma-separated event types to keep")
	asJSON := fs.Bool("json", false, "Print one JSON object per line")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	archive, err := audit.NewArchive(cfg.Server.DataDir, getLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var filter []types.EventType
	if *typeList != "" {
		for _, t := range strings.Split(*typeList, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter = append(filter, types.EventType(t))
			}
		}
	}

	events, err := archive.ReadSince(time.Now().Add(-*since), filter...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading archive: %v\n", err)
		return 1
	}

	if len(events) == 0 {
		fmt.Printf("No events in the last %s\n", *since)
		return 0
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding event: %v\n", err)
				return 1
			}
		}
		return 0
	}

	for _, e := range events {
		fmt.Printf("%s  %-28s %-12s %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type, e.UserID, e.Command)
	}
	fmt.Printf("\n%d events\n", len(events))
	return 0
}
