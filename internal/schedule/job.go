package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one recurring maintenance task. Run does the work; the
// scheduler decides when.
type Job struct {
	ID   string
	Name string
	Spec Spec
	Run  func(ctx context.Context) error
}

// Spec defines when a job fires.
type Spec struct {
	Kind  string        // "interval" or "cron"
	Every time.Duration // interval kind
	Expr  string        // cron kind, standard five-field expression
}

// Interval returns a Spec firing every d.
func Interval(d time.Duration) Spec {
	return Spec{Kind: "interval", Every: d}
}

// Cron returns a Spec driven by a standard cron expression.
func Cron(expr string) Spec {
	return Spec{Kind: "cron", Expr: expr}
}

// Validate checks that the job is runnable.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run function required", j.ID)
	}

	switch j.Spec.Kind {
	case "interval":
		if j.Spec.Every <= 0 {
			return fmt.Errorf("job %s: interval must be positive", j.ID)
		}
	case "cron":
		if j.Spec.Expr == "" {
			return fmt.Errorf("job %s: cron expression required", j.ID)
		}
		if _, err := cron.ParseStandard(j.Spec.Expr); err != nil {
			return fmt.Errorf("job %s: invalid cron expression: %w", j.ID, err)
		}
	default:
		return fmt.Errorf("job %s: unknown schedule kind %q (use interval or cron)", j.ID, j.Spec.Kind)
	}

	return nil
}

// NextRun calculates the first execution time after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Spec.Kind {
	case "interval":
		return from.Add(j.Spec.Every), nil

	case "cron":
		s, err := cron.ParseStandard(j.Spec.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return s.Next(from), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Spec.Kind)
	}
}

// State is a point-in-time snapshot of one job's execution history.
type State struct {
	JobID        string        `json:"job_id"`
	Name         string        `json:"name"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	NextRunAt    time.Time     `json:"next_run_at,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}
