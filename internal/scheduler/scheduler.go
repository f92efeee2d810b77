// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// New creates a scheduler whose jobs run with ctx. Schedules take a leading
// seconds field.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		ctx:  ctx,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// AddJob registers job on schedule, e.g. "0 */5 * * * *" or "@every 30s".
// Overlapping runs of the same job are skipped.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	run := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if err := job.Run(s.ctx); err != nil {
			slog.Error("job failed", "job", job.Name(), "err", err)
		}
	}))
	if _, err := s.cron.AddJob(schedule, run); err != nil {
		return err
	}
	slog.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}

// Sweeper releases expired policies.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpirySweep is the job that frees shares locked by expired policies.
type ExpirySweep struct {
	Sweeper Sweeper
}

func (j ExpirySweep) Name() string { return "expiry_sweep" }

func (j ExpirySweep) Run(ctx context.Context) error {
	n, err := j.Sweeper.SweepExpired(ctx)
	if n > 0 {
		slog.Info("expired policies released", "count", n)
	}
	return err
}
