// Package schedule runs the gate's recurring maintenance: audit
// archive pruning, settings store compaction, and whatever else the
// daemon registers. Jobs fire on a fixed interval or a standard cron
// expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNotFound is returned when a job ID is not registered.
var ErrNotFound = errors.New("schedule: job not found")

// Scheduler manages all registered jobs.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	runners map[string]*runner
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*Job),
		runners: make(map[string]*runner),
		logger:  logger.With("component", "schedule"),
	}
}

// Add registers a job. When the scheduler is already running the job
// starts immediately.
func (s *Scheduler) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	s.jobs[job.ID] = job

	if s.ctx != nil {
		r := newRunner(job, s.logger)
		s.runners[job.ID] = r
		go r.start(s.ctx)
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Info("job added", "job", job.ID)
	}
	return nil
}

// Remove drops a job, stopping its runner when active.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r, exists := s.runners[id]; exists {
		r.stop()
		delete(s.runners, id)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// Start launches a runner per registered job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("schedule: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for id, job := range s.jobs {
		r := newRunner(job, s.logger)
		s.runners[id] = r
		go r.start(s.ctx)
	}
	s.logger.Info("scheduler started", "jobs", len(s.runners))
	return nil
}

// Stop halts every runner and waits for them to exit. The scheduler
// can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for id, r := range s.runners {
		r.stop()
		s.logger.Debug("stopped job runner", "job", id)
	}
	s.runners = make(map[string]*runner)
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule, and returns
// the run's error. While the scheduler is running the outcome is
// folded into the job's counters.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	r := s.runners[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r == nil {
		r = newRunner(job, s.logger)
	}
	return r.runOnce(ctx)
}

// Jobs reports a state snapshot per registered job, sorted by ID.
func (s *Scheduler) Jobs() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]State, 0, len(s.jobs))
	for id, job := range s.jobs {
		if r, ok := s.runners[id]; ok {
			out = append(out, r.snapshot())
			continue
		}
		out = append(out, State{JobID: id, Name: job.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Stats aggregates run counters across all jobs.
func (s *Scheduler) Stats() map[string]any {
	states := s.Jobs()

	s.mu.RLock()
	running := len(s.runners)
	s.mu.RUnlock()

	var runs, errs int64
	for _, st := range states {
		runs += st.RunCount
		errs += st.ErrorCount
	}
	return map[string]any{
		"total_jobs":   len(states),
		"running_jobs": running,
		"total_runs":   runs,
		"total_errors": errs,
	}
}
