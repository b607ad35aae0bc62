package audit

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/financeanalyst/cmdgate/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(id string, t types.EventType, ts time.Time) types.SecurityEvent {
	return types.SecurityEvent{ID: id, Type: t, Timestamp: ts}
}

func TestAppendEvictsOldest(t *testing.T) {
	l := New(3, nil, discardLogger())
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l.Append(event(fmt.Sprintf("e%d", i), types.EventBlockedRequest,
			base.Add(time.Duration(i)*time.Second)))
	}

	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got := l.Query(time.Time{})
	if len(got) != 3 {
		t.Fatalf("Query returned %d events, want 3", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		if got[i].ID != want {
			t.Errorf("event %d = %s, want %s (oldest first)", i, got[i].ID, want)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	l := New(10, nil, discardLogger())
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	l.Append(event("e0", types.EventBlockedRequest, base))
	l.Append(event("e1", types.EventPermissionDenied, base.Add(1*time.Second)))
	l.Append(event("e2", types.EventRateLimitExceeded, base.Add(2*time.Second)))
	l.Append(event("e3", types.EventPermissionDenied, base.Add(3*time.Second)))

	got := l.Query(base.Add(1*time.Second), types.EventPermissionDenied)
	if len(got) != 2 || got[0].ID != "e1" || got[1].ID != "e3" {
		t.Errorf("filtered query = %v, want [e1 e3]", ids(got))
	}

	got = l.Query(base.Add(3*time.Second))
	if len(got) != 1 || got[0].ID != "e3" {
		t.Errorf("since query = %v, want [e3]", ids(got))
	}

	counts := l.CountsByType(time.Time{})
	if counts[types.EventPermissionDenied] != 2 || counts[types.EventBlockedRequest] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l := New(10, nil, discardLogger())
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l.Append(event(fmt.Sprintf("e%d", i), types.EventSandboxViolation,
			base.Add(time.Duration(i)*time.Second)))
	}

	got := l.Recent(2)
	if len(got) != 2 || got[0].ID != "e4" || got[1].ID != "e3" {
		t.Errorf("Recent(2) = %v, want [e4 e3]", ids(got))
	}
	if got := l.Recent(100); len(got) != 5 {
		t.Errorf("Recent(100) returned %d events, want 5", len(got))
	}
	if got := l.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", ids(got))
	}
}

func TestRecordFillsEventFields(t *testing.T) {
	l := New(10, nil, discardLogger())

	e := l.Record(types.EventPermissionDenied, "u1", "settings",
		map[string]any{"reason": "missing permission"})

	if !strings.HasPrefix(e.ID, "evt_") {
		t.Errorf("event ID %q lacks evt_ prefix", e.ID)
	}
	if e.Type != types.EventPermissionDenied || e.UserID != "u1" || e.Command != "settings" {
		t.Errorf("event fields = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("event has zero timestamp")
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d after Record, want 1", l.Len())
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	l := New(10, nil, discardLogger())
	ch, cancel := l.Subscribe()
	defer cancel()

	want := event("e1", types.EventDangerousCode, time.Now())
	l.Append(want)

	select {
	case got := <-ch:
		if got.ID != want.ID {
			t.Errorf("subscriber got %s, want %s", got.ID, want.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	cancel()
	cancel() // idempotent
	l.Append(event("e2", types.EventDangerousCode, time.Now()))
}

func ids(events []types.SecurityEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
