// Package scheduler runs background jobs, chiefly the order sweep, on cron
// schedules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Job represents a scheduled job.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs. A job whose previous run is still in
// progress is skipped rather than queued.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
}

// New creates a new scheduler. Jobs run with ctx, so cancelling it asks
// in-flight jobs to stop.
func New(ctx context.Context, log *slog.Logger) *Scheduler {
	if log == nil {
		log = util.Discard()
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
		ctx: ctx,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// AddJob registers a job with a cron schedule (seconds field first).
// Schedule examples:
//   - "*/15 * * * * *"        - every 15 seconds
//   - "0 */5 * * * *"         - every 5 minutes
//   - "@every 30s"            - every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runJob(job)
	})
	if err != nil {
		return err
	}

	s.log.Info("job registered", "schedule", schedule, "job", job.Name())
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info("running job immediately", "job", job.Name())
	return job.Run(s.ctx)
}

func (s *Scheduler) runJob(job Job) {
	s.log.Debug("running job", "job", job.Name())
	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.log.Error("job failed", "job", job.Name(), "error", err)
		return
	}
	s.log.Debug("job completed", "job", job.Name(), "duration", time.Since(start))
}

// Sweeper is the slice of the engine the sweep job drives.
type Sweeper interface {
	EvaluateSweep(ctx context.Context, now time.Time) []domain.Transition
	Now() time.Time
}

// SweepJob evaluates open orders on each tick.
type SweepJob struct {
	engine Sweeper
}

// NewSweepJob wraps an engine in a Job.
func NewSweepJob(engine Sweeper) *SweepJob {
	return &SweepJob{engine: engine}
}

// Name returns "order-sweep".
func (j *SweepJob) Name() string { return "order-sweep" }

// Run performs one sweep at the engine's current time.
func (j *SweepJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.engine.EvaluateSweep(ctx, j.engine.Now())
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
