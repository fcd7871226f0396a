// Package reaper runs the periodic cleanup loop around the reaper service.
package reaper

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/target/merrymaker/internal/service"
)

// Runner executes reaper passes on a fixed interval with a randomized
// startup delay so replicas restarted together do not sweep in lockstep.
type Runner struct {
	svc      *service.ReaperService
	logger   *slog.Logger
	interval time.Duration
}

// Options configures New.
type Options struct {
	Service  *service.ReaperService
	Logger   *slog.Logger
	Interval time.Duration
}

const defaultInterval = 60 * time.Second

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
		logger:   logger.With("component", "reaper_runner"),
		interval: interval,
	}
}

// Run sweeps until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reaper started", "interval", r.interval)

	jitter := startupJitter(r.interval)
	if jitter > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.svc.RunOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "sweep finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// startupJitter returns a random delay up to a tenth of the interval.
func startupJitter(interval time.Duration) time.Duration {
	window := int64(interval / 10)
	if window <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(window))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
