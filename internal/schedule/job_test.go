package schedule

import (
	"context"
	"strings"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{"valid interval", Job{ID: "a", Name: "A", Spec: Interval(time.Minute), Run: noop}, ""},
		{"valid cron", Job{ID: "b", Name: "B", Spec: Cron("0 3 * * *"), Run: noop}, ""},
		{"missing id", Job{Spec: Interval(time.Minute), Run: noop}, "ID required"},
		{"missing run", Job{ID: "c", Spec: Interval(time.Minute)}, "run function required"},
		{"zero interval", Job{ID: "d", Spec: Interval(0), Run: noop}, "must be positive"},
		{"empty cron", Job{ID: "e", Spec: Cron(""), Run: noop}, "expression required"},
		{"bad cron", Job{ID: "f", Spec: Cron("99 99 * * *"), Run: noop}, "invalid cron"},
		{"unknown kind", Job{ID: "g", Spec: Spec{Kind: "lunar"}, Run: noop}, "unknown schedule kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestNextRunInterval(t *testing.T) {
	j := Job{ID: "sweep", Spec: Interval(30 * time.Minute), Run: noop}
	from := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	next, err := j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if want := from.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", next, want)
	}
}

func TestNextRunCron(t *testing.T) {
	j := Job{ID: "prune", Spec: Cron("0 3 * * *"), Run: noop}
	from := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	next, err := j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	want := time.Date(2026, 1, 11, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", next, want)
	}
}

func TestNextRunUnknownKind(t *testing.T) {
	j := Job{ID: "x", Spec: Spec{Kind: "lunar"}, Run: noop}
	if _, err := j.NextRun(time.Now()); err == nil {
		t.Fatal("NextRun() = nil error for unknown kind")
	}
}
