package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cronPoll is how often cron specs are checked against the clock.
// Interval specs tick at their own period.
const cronPoll = time.Minute

// runner drives a single job. Its state is guarded by mu: the loop
// goroutine writes it, snapshot readers come from the API.
type runner struct {
	job    *Job
	logger *slog.Logger

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRunner(job *Job, logger *slog.Logger) *runner {
	return &runner{
		job:    job,
		logger: logger.With("job", job.ID),
		state:  State{JobID: job.ID, Name: job.Name},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// start runs the job loop until the context is cancelled or stop is
// called.
func (r *runner) start(ctx context.Context) {
	defer close(r.doneCh)

	next, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("cannot compute first run", "error", err)
		return
	}
	r.setNext(next)
	r.logger.Info("job runner started", "next_run", next.Format(time.RFC3339))

	period := r.job.Spec.Every
	if r.job.Spec.Kind == "cron" {
		period = cronPoll
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("job runner stopped", "reason", "context cancelled")
			return
		case <-r.stopCh:
			r.logger.Debug("job runner stopped")
			return
		case now := <-ticker.C:
			// Interval jobs fire every tick; cron jobs wait for
			// their next-run mark to pass.
			if r.job.Spec.Kind == "cron" && now.Before(r.next()) {
				continue
			}
			r.runOnce(ctx)
			if next, err := r.job.NextRun(time.Now()); err == nil {
				r.setNext(next)
			}
		}
	}
}

func (r *runner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

// runOnce executes the job and folds the outcome into its state.
func (r *runner) runOnce(ctx context.Context) error {
	start := time.Now()
	err := r.job.Run(ctx)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.state.LastRunAt = start
	r.state.LastDuration = elapsed
	r.state.RunCount++
	if err != nil {
		r.state.ErrorCount++
		r.state.LastError = err.Error()
	} else {
		r.state.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", "error", err, "duration", elapsed)
		return err
	}
	r.logger.Info("job completed", "duration", elapsed)
	return nil
}

func (r *runner) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runner) next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.NextRunAt
}

func (r *runner) setNext(t time.Time) {
	r.mu.Lock()
	r.state.NextRunAt = t
	r.mu.Unlock()
}
