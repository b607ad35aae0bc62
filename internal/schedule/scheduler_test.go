package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAdd(t *testing.T) {
	s := New(nil)

	job := &Job{ID: "compact", Name: "Store compaction", Spec: Interval(time.Hour), Run: noop}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(job); err == nil {
		t.Error("Add() accepted a duplicate ID")
	}
	if err := s.Add(&Job{ID: "broken", Spec: Interval(time.Hour)}); err == nil {
		t.Error("Add() accepted a job without a run function")
	}

	states := s.Jobs()
	if len(states) != 1 {
		t.Fatalf("Jobs() has %d entries, want 1", len(states))
	}
	if states[0].JobID != "compact" || states[0].Name != "Store compaction" {
		t.Errorf("Jobs()[0] = %+v", states[0])
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := New(nil)
	_ = s.Add(&Job{ID: "prune", Name: "Prune", Spec: Cron("0 3 * * *"), Run: noop})

	if err := s.Remove("prune"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove("prune"); err == nil {
		t.Error("Remove() of a missing job returned nil")
	}
	if len(s.Jobs()) != 0 {
		t.Error("job still listed after removal")
	}
}

func TestSchedulerRunsIntervalJob(t *testing.T) {
	s := New(nil)
	_ = s.Add(&Job{
		ID:   "sweep",
		Name: "Sweep",
		Spec: Interval(10 * time.Millisecond),
		Run:  noop,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	st := s.Jobs()[0]
	for st.RunCount < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		st = s.Jobs()[0]
	}
	if st.RunCount < 2 {
		t.Fatalf("job ran %d times, want at least 2", st.RunCount)
	}
	if st.LastRunAt.IsZero() {
		t.Error("LastRunAt not set")
	}
	if st.NextRunAt.IsZero() {
		t.Error("NextRunAt not set")
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	s := New(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() returned nil")
	}
}

func TestSchedulerRestart(t *testing.T) {
	s := New(nil)
	_ = s.Add(&Job{ID: "sweep", Spec: Interval(time.Hour), Run: noop})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	s.Stop()
}

func TestRunNow(t *testing.T) {
	var runs atomic.Int64
	s := New(nil)
	_ = s.Add(&Job{
		ID:   "prune",
		Name: "Prune",
		Spec: Cron("0 3 * * *"),
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	if err := s.RunNow(context.Background(), "prune"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("job ran %d times, want 1", runs.Load())
	}
	if err := s.RunNow(context.Background(), "ghost"); err == nil {
		t.Error("RunNow() of a missing job returned nil")
	}
}

func TestRunNowPropagatesError(t *testing.T) {
	boom := errors.New("archive locked")
	s := New(nil)
	_ = s.Add(&Job{ID: "prune", Spec: Cron("0 3 * * *"), Run: func(ctx context.Context) error {
		return boom
	}})

	if err := s.RunNow(context.Background(), "prune"); !errors.Is(err, boom) {
		t.Fatalf("RunNow() error = %v, want %v", err, boom)
	}
}

func TestRunNowCountsWhileRunning(t *testing.T) {
	s := New(nil)
	_ = s.Add(&Job{ID: "compact", Name: "Compact", Spec: Interval(time.Hour), Run: noop})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.RunNow(context.Background(), "compact"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if st := s.Jobs()[0]; st.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", st.RunCount)
	}
}

func TestStats(t *testing.T) {
	s := New(nil)
	_ = s.Add(&Job{ID: "ok", Spec: Interval(time.Hour), Run: noop})
	_ = s.Add(&Job{ID: "bad", Spec: Interval(time.Hour), Run: func(ctx context.Context) error {
		return errors.New("boom")
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	_ = s.RunNow(context.Background(), "ok")
	_ = s.RunNow(context.Background(), "bad")

	stats := s.Stats()
	if stats["total_jobs"] != 2 {
		t.Errorf("total_jobs = %v, want 2", stats["total_jobs"])
	}
	if stats["running_jobs"] != 2 {
		t.Errorf("running_jobs = %v, want 2", stats["running_jobs"])
	}
	if stats["total_runs"] != int64(2) {
		t.Errorf("total_runs = %v, want 2", stats["total_runs"])
	}
	if stats["total_errors"] != int64(1) {
		t.Errorf("total_errors = %v, want 1", stats["total_errors"])
	}
}
