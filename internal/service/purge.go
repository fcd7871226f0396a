package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
)

// PurgeWorker executes the scheduled retention jobs. The hourly job keeps the
// queue live (lease recovery), the daily job enforces row retention, and the
// seen-string job trims the suppression table past its window.
type PurgeWorker struct {
	reaper      *ReaperService
	seenStrings core.SeenStringRepository
	logger      *slog.Logger

	seenStringRetention time.Duration
	batchSize           int
}

// PurgeWorkerOptions configures NewPurgeWorker.
type PurgeWorkerOptions struct {
	Reaper      *ReaperService
	SeenStrings core.SeenStringRepository
	Logger      *slog.Logger

	// SeenStringRetention defaults to 180 days.
	SeenStringRetention time.Duration
	BatchSize           int
}

// NewPurgeWorker creates a PurgeWorker.
func NewPurgeWorker(opts PurgeWorkerOptions) *PurgeWorker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := opts.SeenStringRetention
	if retention <= 0 {
		retention = model.SeenStringRetentionDefault
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultReaperBatchSize
	}
	return &PurgeWorker{
		reaper:              opts.Reaper,
		seenStrings:         opts.SeenStrings,
		logger:              logger.With("component", "purge_worker"),
		seenStringRetention: retention,
		batchSize:           batch,
	}
}

// HandleHourly runs the hourly queue maintenance job.
func (w *PurgeWorker) HandleHourly(ctx context.Context, _ []byte) error {
	return w.reaper.LeasePass(ctx)
}

// HandleDaily runs the daily retention job.
func (w *PurgeWorker) HandleDaily(ctx context.Context, _ []byte) error {
	return w.reaper.RetentionPass(ctx)
}

// HandleSeenStringPurge trims seen strings older than the retention window.
func (w *PurgeWorker) HandleSeenStringPurge(ctx context.Context, _ []byte) error {
	total := int64(0)
	for {
		n, err := w.seenStrings.DeleteOlderThan(ctx, core.DeleteSeenStringsParams{
			MaxAge:    w.seenStringRetention,
			BatchSize: w.batchSize,
		})
		if err != nil {
			return fmt.Errorf("purge seen strings: %w", err)
		}
		total += n
		if n < int64(w.batchSize) {
			break
		}
	}
	if total > 0 {
		w.logger.InfoContext(ctx, "seen strings purged", "count", total)
	}
	return nil
}
