// Package maintenance runs the periodic housekeeping jobs: scheduled
// backups, health checks, stale-outbox purges, and activity-log
// pruning. Jobs are registered with standard 5-field cron expressions
// and fired by a minute-resolution tick loop.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one registered maintenance job.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error

	schedule cronlib.Schedule
	nextRun  time.Time
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires registered jobs when their cron schedule comes due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
	}
}

// Register adds a job. An empty expression disables the job silently,
// so config can switch jobs off without special cases here. Returns
// the parse error for a malformed expression.
func (s *Scheduler) Register(name, expr string, run func(ctx context.Context) error) error {
	if expr == "" {
		s.logger.Info("maintenance job disabled", "job", name)
		return nil
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &Job{
		Name:     name,
		Expr:     expr,
		Run:      run,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now()),
	})
	s.mu.Unlock()
	s.logger.Info("maintenance job registered", "job", name, "schedule", expr)
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.nextRun.After(now) {
			due = append(due, job)
			job.nextRun = job.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("maintenance job failed",
			"job", job.Name,
			"duration", time.Since(start).String(),
			"error", err,
		)
		return
	}
	s.logger.Info("maintenance job finished",
		"job", job.Name,
		"duration", time.Since(start).String(),
		"next_run_at", job.nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
