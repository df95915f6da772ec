// Package cron runs periodic maintenance jobs, such as the run retention
// sweep, on a cron schedule.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@hourly" and "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one maintenance task. Run returns how many records it removed.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper fires its jobs on a schedule. A tick never overlaps a previous
// tick that is still running.
type Sweeper struct {
	schedule string
	jobs     []Job
	logger   *slog.Logger
	timeout  time.Duration

	mu     sync.Mutex
	cron   *cronlib.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper validates schedule and returns a stopped sweeper.
func NewSweeper(schedule string, logger *slog.Logger, jobs ...Job) (*Sweeper, error) {
	if schedule == "" {
		return nil, errors.New("cron: empty schedule")
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{schedule: schedule, jobs: jobs, logger: logger, timeout: 5 * time.Minute}, nil
}

// Start schedules the jobs until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron: sweeper already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := slogAdapter{s.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return err
	}
	c.Start()
	s.cron = c
	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	s.logger.Info("sweeper started", "schedule", s.schedule, "jobs", len(s.jobs))
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	s.logger.Info("sweeper stopped")
}

// RunOnce runs every job now and returns the total removed. Job errors are
// logged and joined; a failing job does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	total := 0
	var errs []error
	for _, j := range s.jobs {
		n, err := j.Run(ctx)
		total += n
		if err != nil {
			s.logger.Error("sweep job failed", "job", j.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("sweep job done", "job", j.Name, "removed", n)
	}
	return total, errors.Join(errs...)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
