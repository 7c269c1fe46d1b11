package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type RunnerConfig struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
	// JobTimeout bounds one tick or sweep
	JobTimeout time.Duration
}

// Runner drives Tick and Sweep on cron schedules. Kick runs an extra tick
// right away, e.g. after a campaign starts.
type Runner struct {
	scheduler *Scheduler
	config    RunnerConfig
	logger    *zap.Logger

	kick   chan struct{}
	tickMu sync.Mutex
}

func NewRunner(s *Scheduler, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	return &Runner{
		scheduler: s,
		config:    cfg,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests a tick without blocking. Kicks arriving while one is
// pending collapse into it.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done, then waits for running jobs to finish
func (r *Runner) Run(ctx context.Context) error {
	log := cronLogger{r.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	if _, err := c.AddFunc(every(r.config.TickInterval), func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	if _, err := c.AddFunc(every(r.config.SweepInterval), func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	c.Start()
	r.logger.Info("scheduler started",
		zap.Duration("tick_interval", r.config.TickInterval),
		zap.Duration("sweep_interval", r.config.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			r.logger.Info("scheduler stopped")
			return nil
		case <-r.kick:
			r.tick(ctx)
		}
	}
}

// tick is shared by the cron job and Kick; one of them wins, the other
// skips
func (r *Runner) tick(ctx context.Context) {
	if !r.tickMu.TryLock() {
		return
	}
	defer r.tickMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	if _, err := r.scheduler.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("scheduler tick failed", zap.Error(err))
	}
}

func (r *Runner) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	if _, err := r.scheduler.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("sweep failed", zap.Error(err))
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
