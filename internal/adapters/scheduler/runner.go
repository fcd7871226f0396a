// Package scheduler runs the periodic scheduling loop around the scheduler
// service.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/target/merrymaker/internal/service"
)

// Runner ticks the scheduler service on a fixed interval.
type Runner struct {
	svc      *service.SchedulerService
	logger   *slog.Logger
	interval time.Duration
}

// Options configures New.
type Options struct {
	Service  *service.SchedulerService
	Logger   *slog.Logger
	Interval time.Duration
}

const defaultInterval = 30 * time.Second

// New creates a Runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{
		svc:      opts.Service,
		logger:   logger.With("component", "scheduler_runner"),
		interval: interval,
	}
}

// Run ticks until the context ends. Tick errors are logged; the loop never
// dies on them.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "scheduler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		res, err := r.svc.Tick(ctx)
		switch {
		case err != nil:
			r.logger.ErrorContext(ctx, "tick failed", "error", err)
		case res.Due > 0:
			r.logger.InfoContext(ctx, "tick",
				"due", res.Due,
				"enqueued", res.Enqueued,
				"skipped", res.Skipped,
				"deferred", res.Deferred,
				"lock_miss", res.LockMiss,
				"errors", res.Errors)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
