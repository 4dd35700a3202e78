// Package scheduler runs the periodic maintenance loops (lease renewal and
// notification sweeping) on fixed intervals. A loop never overlaps itself and
// a panicking run is logged and survived.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one run of a loop.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner with interval jobs.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a scheduler whose task contexts derive from ctx.
func New(ctx context.Context) *Scheduler {
	logger := slog.Default().With(slog.String("component", "scheduler"))
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{ctx: ctx, cron: c, logger: logger}
}

// Every registers task to run every interval (rounded to whole seconds).
// timeout bounds a single run; zero means the interval.
func (s *Scheduler) Every(name string, interval, timeout time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s interval must be positive", name)
	}
	if timeout <= 0 {
		timeout = interval
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.run(name, timeout, task)
	}))
	s.logger.Info("loop registered", slog.String("loop", name), slog.Duration("interval", interval))
	return nil
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("loop run failed", slog.String("loop", name), slog.Duration("elapsed", time.Since(start)), slog.Any("err", err))
		return
	}
	s.logger.Debug("loop run finished", slog.String("loop", name), slog.Duration("elapsed", time.Since(start)))
}

// RunNow runs every registered loop once, synchronously, through the same
// recovery and overlap guards as scheduled runs.
func (s *Scheduler) RunNow() {
	for _, e := range s.cron.Entries() {
		e.WrappedJob.Run()
	}
}

// Start launches the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running loops to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("loops still running at shutdown")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
