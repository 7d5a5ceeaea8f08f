// Package schedule runs a job on a cron schedule, as used by recurring
// monitoring runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Overlap policies for a tick that fires while the previous run is active.
const (
	PolicySkip  = "skip"
	PolicyDelay = "delay"
)

// Job is one scheduled execution.
type Job func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	// Schedule is a standard five field cron expression, optionally with a
	// leading seconds field, or a descriptor such as "@hourly" or "@every 10m".
	Schedule string
	// Policy is PolicySkip (default) or PolicyDelay.
	Policy string
	// Timeout bounds a single execution (0 disables it).
	Timeout time.Duration
	// RunOnStart executes the job once immediately on Start.
	RunOnStart bool
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler manages one recurring job using robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	fn     Job
	cfg    Config
	logger *slog.Logger

	ctx      context.Context
	runs     atomic.Int64
	failures atomic.Int64

	stopped  chan struct{}
	stopOnce sync.Once
}

// New validates the schedule and creates a stopped Scheduler.
func New(cfg Config, fn Job, logger *slog.Logger) (*Scheduler, error) {
	if fn == nil {
		return nil, errors.New("scheduled job cannot be nil")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	s := &Scheduler{
		fn:      fn,
		cfg:     cfg,
		logger:  logger,
		ctx:     context.Background(),
		stopped: make(chan struct{}),
	}

	wrapper, err := overlapWrapper(cfg.Policy, cronLogger{logger})
	if err != nil {
		return nil, err
	}
	s.cron = cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger}))
	s.job = cron.NewChain(cron.Recover(cronLogger{logger}), wrapper).Then(cron.FuncJob(s.execute))
	return s, nil
}

func overlapWrapper(policy string, logger cron.Logger) (cron.JobWrapper, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case PolicySkip, "":
		return cron.SkipIfStillRunning(logger), nil
	case PolicyDelay:
		return cron.DelayIfStillRunning(logger), nil
	default:
		return nil, fmt.Errorf("unknown overlap policy %q", policy)
	}
}

// Start schedules the job and returns immediately. The scheduler stops when
// ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddJob(s.cfg.Schedule, s.job); err != nil {
		return fmt.Errorf("register job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.cfg.Schedule, "policy", s.cfg.Policy)

	if s.cfg.RunOnStart {
		go s.job.Run()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

// Stop waits for a running job to return. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped", "runs", s.runs.Load(), "failures", s.failures.Load())
	})
}

// Done returns a channel that is closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Runs reports how many executions have started.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Failures reports how many executions returned an error.
func (s *Scheduler) Failures() int64 { return s.failures.Load() }

func (s *Scheduler) execute() {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	n := s.runs.Add(1)
	start := time.Now()
	s.logger.Info("scheduled run starting", "run", n)

	if err := s.fn(ctx); err != nil {
		s.failures.Add(1)
		s.logger.Error("scheduled run failed", "run", n, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled run finished", "run", n, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
