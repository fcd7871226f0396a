package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	"github.com/target/merrymaker/internal/observability/metrics"
	"github.com/target/merrymaker/internal/observability/statsd"
)

// ReaperService runs the periodic cleanup passes: reclaiming expired leases,
// failing stale pending jobs, and purging aged rows in bounded batches. Every
// operation is idempotent, so overlapping replicas only waste work.
type ReaperService struct {
	repo   core.ReaperRepository
	scans  core.ScanRepository
	logs   core.ScanLogRepository
	logger *slog.Logger
	sink   statsd.Sink

	stalePendingAge time.Duration
	jobRetention    time.Duration
	scanRetention   time.Duration
	batchSize       int
}

// ReaperServiceOptions configures NewReaperService.
type ReaperServiceOptions struct {
	Repo   core.ReaperRepository
	Scans  core.ScanRepository
	Logs   core.ScanLogRepository
	Logger *slog.Logger
	Sink   statsd.Sink

	// StalePendingAge is how long a pending job may sit unreserved before
	// it is failed as stale.
	StalePendingAge time.Duration
	// JobRetention is how long terminal jobs and results are kept.
	JobRetention time.Duration
	// ScanRetention is how long finished scans and their logs are kept.
	ScanRetention time.Duration
	// BatchSize caps row counts per statement to bound lock duration.
	BatchSize int
}

const (
	defaultStalePendingAge = 24 * time.Hour
	defaultJobRetention    = 7 * 24 * time.Hour
	defaultScanRetention   = 30 * 24 * time.Hour
	defaultReaperBatchSize = 500
)

// NewReaperService creates a ReaperService.
func NewReaperService(opts ReaperServiceOptions) *ReaperService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ReaperService{
		repo:            opts.Repo,
		scans:           opts.Scans,
		logs:            opts.Logs,
		logger:          logger.With("component", "reaper"),
		sink:            opts.Sink,
		stalePendingAge: opts.StalePendingAge,
		jobRetention:    opts.JobRetention,
		scanRetention:   opts.ScanRetention,
		batchSize:       opts.BatchSize,
	}
	if s.stalePendingAge <= 0 {
		s.stalePendingAge = defaultStalePendingAge
	}
	if s.jobRetention <= 0 {
		s.jobRetention = defaultJobRetention
	}
	if s.scanRetention <= 0 {
		s.scanRetention = defaultScanRetention
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultReaperBatchSize
	}
	return s
}

// RunOnce executes one full cleanup pass. Individual operation failures are
// logged and counted but never abort the pass.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	if err := s.LeasePass(ctx); err != nil {
		return err
	}
	return s.RetentionPass(ctx)
}

// recorder logs and emits the outcome of one reaper operation, remembering
// the first error.
func (s *ReaperService) recorder(ctx context.Context, firstErr *error) func(op string, affected int64, err error) {
	return func(op string, affected int64, err error) {
		if err != nil {
			if *firstErr == nil {
				*firstErr = fmt.Errorf("%s: %w", op, err)
			}
			s.logger.ErrorContext(ctx, "reaper operation failed", "op", op, "error", err)
			s.emit(op, metrics.ResultError, 0)
			return
		}
		result := metrics.ResultNoop
		if affected > 0 {
			result = metrics.ResultSuccess
			s.logger.InfoContext(ctx, "reaper operation", "op", op, "affected", affected)
		}
		s.emit(op, result, affected)
	}
}

// LeasePass reclaims expired leases and fails stale pending jobs. This is
// the half of the reaper that keeps the queue live.
func (s *ReaperService) LeasePass(ctx context.Context) error {
	var firstErr error
	record := s.recorder(ctx, &firstErr)

	leases, err := s.repo.ExpireLeases(ctx, s.batchSize)
	record("expire_leases", leases.Requeued+leases.Expired, err)
	if err == nil && leases.Expired > 0 {
		s.logger.WarnContext(ctx, "jobs expired after exhausting attempts", "count", leases.Expired)
	}

	stale, err := s.repo.FailStalePendingJobs(ctx, s.stalePendingAge, s.batchSize)
	record("fail_stale_pending", stale, err)
	return firstErr
}

// RetentionPass purges aged terminal jobs, results, scans, and scan logs.
func (s *ReaperService) RetentionPass(ctx context.Context) error {
	var firstErr error
	record := s.recorder(ctx, &firstErr)

	for _, status := range []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusExpired} {
		n, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:    status,
			MaxAge:    s.jobRetention,
			BatchSize: s.batchSize,
		})
		record("delete_old_jobs_"+string(status), n, err)
	}

	results, err := s.repo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{
		MaxAge:    s.jobRetention,
		BatchSize: s.batchSize,
	})
	record("delete_old_job_results", results, err)

	if s.logs != nil {
		n, err := s.logs.DeleteOlderThan(ctx, s.scanRetention, s.batchSize)
		record("delete_old_scan_logs", n, err)
	}
	if s.scans != nil {
		n, err := s.scans.DeleteOlderThan(ctx, s.scanRetention, s.batchSize)
		record("delete_old_scans", n, err)
	}

	return firstErr
}

func (s *ReaperService) emit(op, result string, affected int64) {
	if s.sink == nil {
		return
	}
	tags := map[string]string{"op": op, "result": result}
	s.sink.Count("reaper.operation", 1, tags)
	if affected > 0 {
		s.sink.Count("reaper.affected", affected, tags)
	}
}
