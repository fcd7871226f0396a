package data

import (
	"context"
	"fmt"
	"time"

	"github.com/target/merrymaker/internal/core"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// Reaper-facing cleanup operations. All passes are bounded by batchSize so a
// single sweep never holds locks across a large range of rows.

// FailStalePendingJobs fails pending jobs that have sat unclaimed past maxAge.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, apperrors.Validation("max age must be positive")
	}
	if batchSize <= 0 {
		return 0, apperrors.Validation("batch size must be positive")
	}

	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    failed_reason = 'stale: never reserved',
		    finished_at = $1,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND available_at < $2
			ORDER BY available_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`, now, now.Add(-maxAge), batchSize)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale pending rows affected: %w", err)
	}
	return affected, nil
}

// ExpireLeases reclaims active jobs whose lease has lapsed across all types:
// back to pending when attempts remain, expired otherwise.
func (r *JobRepo) ExpireLeases(ctx context.Context, batchSize int) (core.ExpireLeasesResult, error) {
	var result core.ExpireLeasesResult
	if batchSize <= 0 {
		return result, apperrors.Validation("batch size must be positive")
	}

	now := r.clock.Now().UTC()
	rows, err := r.DB.QueryContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'expired' ELSE 'pending' END,
		    finished_at = CASE WHEN attempts >= max_attempts THEN $1::timestamptz ELSE NULL END,
		    failed_reason = CASE WHEN attempts >= max_attempts THEN 'lease expired' ELSE failed_reason END,
		    worker_id = NULL,
		    lease_until = NULL,
		    heartbeat_at = NULL,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'active'
			  AND lease_until IS NOT NULL
			  AND lease_until < $1
			ORDER BY lease_until ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING status
	`, now, batchSize)
	if err != nil {
		return result, fmt.Errorf("expire leases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if scanErr := rows.Scan(&status); scanErr != nil {
			return result, fmt.Errorf("expire leases scan: %w", scanErr)
		}
		if status == "expired" {
			result.Expired++
		} else {
			result.Requeued++
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return result, fmt.Errorf("expire leases rows: %w", rowsErr)
	}
	return result, nil
}

// DeleteOldJobs deletes terminal jobs of one status older than maxAge.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, apperrors.Validation("only terminal jobs can be purged")
	}
	if params.MaxAge <= 0 || params.BatchSize <= 0 {
		return 0, apperrors.Validation("max age and batch size must be positive")
	}

	cutoff := r.clock.Now().UTC().Add(-params.MaxAge)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1 AND finished_at < $2
			ORDER BY finished_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`, params.Status, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old jobs rows affected: %w", err)
	}
	return affected, nil
}

// DeleteOldJobResults deletes stored results for a job type older than maxAge.
func (r *JobRepo) DeleteOldJobResults(ctx context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	if params.MaxAge <= 0 || params.BatchSize <= 0 {
		return 0, apperrors.Validation("max age and batch size must be positive")
	}

	cutoff := r.clock.Now().UTC().Add(-params.MaxAge)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM job_results
		WHERE job_id IN (
			SELECT job_id FROM job_results
			WHERE job_type = $1 AND produced_at < $2
			ORDER BY produced_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`, params.JobType, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old job results: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old job results rows affected: %w", err)
	}
	return affected, nil
}
