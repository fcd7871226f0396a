package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/data/pgxutil"
	"github.com/target/merrymaker/internal/domain"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// reserveNextSQL atomically claims the oldest available pending job. SKIP
// LOCKED keeps concurrent workers from blocking on each other's candidate row.
// Within a priority tier selection is FIFO on created_at: a retrying job that
// became available late still goes ahead of younger work.
var reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = $1 AND status = 'pending' AND available_at <= $2
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'active',
    worker_id = $3,
    started_at = COALESCE(j.started_at, $2),
    lease_until = $4,
    heartbeat_at = $2,
    attempts = j.attempts + 1,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + prefixedJobColumns

var prefixedJobColumns = func() string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = "j." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}()

// ReserveNext leases the next available job of the given type for the worker.
// Expired leases of the same type are reclaimed first so a crashed worker's
// jobs re-enter rotation without waiting for the reaper.
func (r *JobRepo) ReserveNext(ctx context.Context, params core.ReserveNextParams) (*model.Job, error) {
	if !params.JobType.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid job type: %s", params.JobType))
	}
	if strings.TrimSpace(params.WorkerID) == "" {
		return nil, apperrors.Validation("worker id is required")
	}
	if params.LeaseSeconds <= 0 {
		return nil, apperrors.Validation("lease seconds must be positive")
	}

	if _, err := r.requeueExpired(ctx, params.JobType); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.clock.Now().UTC()
			leaseUntil := now.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextSQL, params.JobType, now, params.WorkerID, leaseUntil)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Advisory lock namespace for requeueExpired, keyed per job type so queues
// never contend with each other.
const advisoryLockRequeueMajor int64 = 2201

func advisoryLockRequeueMinor(jobType model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	return int64(h.Sum32() & math.MaxInt32)
}

// requeueExpired reclaims expired leases of one type: back to pending when
// attempts remain, expired otherwise. Only one caller per type does the work;
// the rest skip via the advisory lock.
func (r *JobRepo) requeueExpired(ctx context.Context, jobType model.JobType) (int64, error) {
	var reclaimed int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				`SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)`,
				advisoryLockRequeueMajor, advisoryLockRequeueMinor(jobType),
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.clock.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = CASE WHEN attempts >= max_attempts THEN 'expired' ELSE 'pending' END,
				    finished_at = CASE WHEN attempts >= max_attempts THEN $2::timestamptz ELSE NULL END,
				    failed_reason = CASE WHEN attempts >= max_attempts THEN 'lease expired' ELSE failed_reason END,
				    worker_id = NULL,
				    lease_until = NULL,
				    heartbeat_at = NULL,
				    updated_at = $2
				WHERE type = $1 AND status = 'active'
				  AND lease_until IS NOT NULL
				  AND lease_until < $2
			`, jobType, now)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			reclaimed, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// Heartbeat renews the lease on an active job. Renewal fails with a
// lease_lost error when the job is no longer active under this worker.
func (r *JobRepo) Heartbeat(ctx context.Context, params core.HeartbeatParams) error {
	if params.LeaseSeconds <= 0 {
		return apperrors.Validation("lease seconds must be positive")
	}

	now := r.clock.Now().UTC()
	leaseUntil := now.Add(time.Duration(params.LeaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_until = $3,
		    heartbeat_at = $4,
		    updated_at = $4
		WHERE id = $1 AND status = 'active' AND worker_id = $2
	`, params.JobID, params.WorkerID, leaseUntil, now)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.LeaseLost(fmt.Sprintf("job %s is no longer leased to worker %s", params.JobID, params.WorkerID))
	}
	return nil
}

// Complete marks a job as completed, persists its result payload when given,
// and clears the scheduler fire key it was enqueued under, if any.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteJobParams) error {
	now := r.clock.Now().UTC()

	var jobType model.JobType
	var taskID, fireKey sql.NullString
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    finished_at = $3,
		    updated_at = $3,
		    worker_id = NULL,
		    lease_until = NULL,
		    heartbeat_at = NULL,
		    failed_reason = NULL
		WHERE id = $1 AND status = 'active' AND worker_id = $2
		RETURNING type, metadata->>'scheduler.task_id', metadata->>'scheduler.fire_key'
	`, params.JobID, params.WorkerID, now).Scan(&jobType, &taskID, &fireKey)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.LeaseLost(fmt.Sprintf("job %s is no longer leased to worker %s", params.JobID, params.WorkerID))
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	if len(params.Result) > 0 {
		if upsertErr := r.upsertResult(ctx, core.UpsertJobResultParams{
			JobID:   params.JobID,
			JobType: jobType,
			Outcome: "success",
			Result:  params.Result,
		}); upsertErr != nil {
			r.logger.WarnContext(ctx, "persist job result failed",
				"job_id", params.JobID, "error", upsertErr)
		}
	}

	r.clearActiveFireKey(ctx, taskID, fireKey)
	return nil
}

// Fail records a handler failure. When attempts remain the job returns to
// pending with exponential backoff; otherwise it lands in failed. The updated
// job is returned so callers can observe the outcome.
func (r *JobRepo) Fail(ctx context.Context, params core.FailJobParams) (*model.Job, error) {
	now := r.clock.Now().UTC()
	baseSeconds := int64(r.cfg.BackoffBase / time.Second)
	capSeconds := int64(r.cfg.BackoffCap / time.Second)

	// attempts was incremented at reservation, so the delay for the n-th
	// failure is base * 2^(n-1), capped. Retry=false forces a terminal
	// failure even with attempts remaining.
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET failed_reason = $3,
		    status = CASE WHEN attempts >= max_attempts OR NOT $7::boolean THEN 'failed' ELSE 'pending' END,
		    finished_at = CASE WHEN attempts >= max_attempts OR NOT $7::boolean THEN $4::timestamptz ELSE NULL END,
		    available_at = CASE WHEN attempts >= max_attempts OR NOT $7::boolean THEN available_at
		                        ELSE $4::timestamptz + make_interval(secs => LEAST($6::bigint, $5::bigint * (1 << LEAST(GREATEST(attempts - 1, 0), 30)))) END,
		    worker_id = NULL,
		    lease_until = NULL,
		    heartbeat_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = 'active' AND worker_id = $2
		RETURNING `+jobColumns,
		params.JobID, params.WorkerID, params.Reason, now, baseSeconds, capSeconds, params.Retry,
	)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.LeaseLost(fmt.Sprintf("job %s is no longer leased to worker %s", params.JobID, params.WorkerID))
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}

	if job.Status == model.JobStatusFailed {
		var taskID, fireKey sql.NullString
		if metaErr := r.DB.QueryRowContext(ctx, `
			SELECT metadata->>'scheduler.task_id', metadata->>'scheduler.fire_key'
			FROM jobs WHERE id = $1
		`, params.JobID).Scan(&taskID, &fireKey); metaErr == nil {
			r.clearActiveFireKey(ctx, taskID, fireKey)
		}
	}
	return job, nil
}

// clearActiveFireKey releases a scheduled task's outstanding fire key once the
// job it produced reaches a terminal state. Best effort; the reaper's aged
// fire-key sweep covers misses.
func (r *JobRepo) clearActiveFireKey(ctx context.Context, taskID, fireKey sql.NullString) {
	if !taskID.Valid || !fireKey.Valid {
		return
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET active_fire_key = NULL,
		    active_fire_key_set_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND active_fire_key = $2
	`, taskID.String, fireKey.String, r.clock.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "clear active fire key failed",
			"task_id", taskID.String, "fire_key", fireKey.String, "error", err)
	}
}

// Stats returns queue depth per state for one job type.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	now := r.clock.Now().UTC()
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending')   AS pending,
			count(*) FILTER (WHERE status = 'active')    AS active,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status = 'failed')    AS failed,
			count(*) FILTER (WHERE status = 'expired')   AS expired,
			count(*) FILTER (WHERE status = 'failed' AND finished_at > $2) AS failed_last_hour
		FROM jobs
		WHERE type = $1
	`, jobType, now.Add(-time.Hour)).Scan(
		&s.Pending, &s.Active, &s.Completed, &s.Failed, &s.Expired, &s.FailedLastHour,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// HasBlockingJobs reports whether any job of the scheduled task occupies a
// state in the overrun mask.
func (r *JobRepo) HasBlockingJobs(ctx context.Context, q core.BlockingJobsQuery) (bool, error) {
	if q.States == 0 {
		return false, nil
	}
	now := r.clock.Now().UTC()

	var hasActive, hasPending, hasRetrying bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			COALESCE(bool_or(status = 'active' AND lease_until > $1), FALSE)             AS has_active,
			COALESCE(bool_or(status = 'pending'), FALSE)                                 AS has_pending,
			COALESCE(bool_or(status = 'pending' AND COALESCE(attempts, 0) > 0), FALSE)   AS has_retrying
		FROM jobs
		WHERE type = $2
		  AND metadata->>'scheduler.task_id' = $3
		  AND status IN ('active', 'pending')
	`, now, q.JobType, q.TaskID).Scan(&hasActive, &hasPending, &hasRetrying)
	if err != nil {
		return false, fmt.Errorf("check blocking jobs: %w", err)
	}

	var mask domain.OverrunStateMask
	if hasActive {
		mask |= domain.OverrunStateActive
	}
	if hasPending {
		mask |= domain.OverrunStatePending
	}
	if hasRetrying {
		mask |= domain.OverrunStateRetrying
	}
	return mask&q.States != 0, nil
}

// WaitForNotification blocks on the job type's pg_notify channel until a job
// is enqueued or the context ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	channel := "job_added_" + string(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
