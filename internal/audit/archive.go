package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// Archive appends events to a JSONL file under the data directory.
// It exists for operators and offline review; the ring in memory
// remains the only thing dashboards consult live.
type Archive struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewArchive creates the audit directory and returns an Archive
// writing to events.jsonl inside it.
func NewArchive(dataDir string, logger *slog.Logger) (*Archive, error) {
	dir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		path:   filepath.Join(dir, "events.jsonl"),
		logger: logger.With("component", "audit-archive"),
	}, nil
}

// Path returns the archive file location.
func (a *Archive) Path() string {
	return a.path
}

// Write appends one event.
func (a *Archive) Write(e types.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadSince returns archived events at or after since, oldest first,
// optionally restricted to the given types. Malformed lines are
// skipped.
func (a *Archive) ReadSince(since time.Time, filter ...types.EventType) ([]types.SecurityEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	want := make(map[types.EventType]bool, len(filter))
	for _, t := range filter {
		want[t] = true
	}

	var events []types.SecurityEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e types.SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.Timestamp.Before(since) {
			continue
		}
		if len(want) > 0 && !want[e.Type] {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Prune rewrites the archive keeping only events younger than the
// retention period.
func (a *Archive) Prune(retention time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open archive: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	var kept []types.SecurityEvent
	removed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e types.SecurityEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			removed++
			continue
		}
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return fmt.Errorf("scan archive: %w", err)
	}
	f.Close()

	if removed == 0 {
		return nil
	}

	out, err := os.Create(a.path)
	if err != nil {
		return fmt.Errorf("rewrite archive: %w", err)
	}
	defer out.Close()

	for _, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}

	a.logger.Info("audit archive pruned", "removed", removed, "kept", len(kept))
	return nil
}
