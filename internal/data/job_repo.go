// Package data implements the Postgres repositories behind the core
// interfaces. Repositories share one *sql.DB on the pgx stdlib driver and
// reach for pgx-native APIs through pgxutil where it matters.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker/internal/data/pgxutil"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = time.Hour
	defaultMaxAttempts = 3
)

// JobRepoConfig holds tuning for the job repository.
type JobRepoConfig struct {
	// BackoffBase seeds the retry delay: base * 2^(attempts-1), capped.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap   time.Duration
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for the durable job queue.
type JobRepo struct {
	DB     *sql.DB
	cfg    JobRepoConfig
	clock  TimeProvider
	logger *slog.Logger
}

// NewJobRepo creates a JobRepo with the given database handle and config.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	clock := cfg.TimeProvider
	if clock == nil {
		clock = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{DB: db, cfg: cfg, clock: clock, logger: logger.With("component", "job_repo")}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  payload,
  metadata,
  idempotency_key,
  scan_id,
  site_id,
  is_test,
  available_at,
  started_at,
  finished_at,
  attempts,
  max_attempts,
  failed_reason,
  worker_id,
  lease_until,
  heartbeat_at,
  created_at,
  updated_at
`

// Create enqueues a job. When an idempotency key collides with a non-terminal
// job of the same type, the existing job is returned with Created=false.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResult, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create job request")
	}

	var result *model.CreateJobResult
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var err error
			result, err = r.createInTx(ctx, tx, req)
			return err
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// CreateInTx enqueues a job within a caller-owned transaction. The scheduler
// uses this to pair enqueue with task bookkeeping atomically.
func (r *JobRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.CreateJobResult, error) {
	if tx == nil {
		return nil, apperrors.Validation("transaction is required")
	}
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create job request")
	}
	return r.createInTx(ctx, tx, req)
}

func (r *JobRepo) createInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.CreateJobResult, error) {
	now := r.clock.Now().UTC()

	availableAt := now
	if req.AvailableAt != nil {
		availableAt = req.AvailableAt.UTC()
	}

	meta := json.RawMessage(`{}`)
	if len(req.Metadata) > 0 {
		meta = req.Metadata
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
		if req.IsTest {
			// test scans get a single shot so failures surface fast
			maxAttempts = 1
		}
	}

	// The partial unique index on (type, idempotency_key) only covers
	// non-terminal jobs, so replays of finished work enqueue fresh rows.
	row := tx.QueryRowContext(ctx, `
      INSERT INTO jobs(type, status, priority, payload, metadata, idempotency_key, scan_id, site_id, is_test, available_at, max_attempts)
      VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7, $8, $9, $10)
      ON CONFLICT (type, idempotency_key) WHERE status IN ('pending', 'active') DO NOTHING
      RETURNING `+jobColumns,
		req.Type, req.Priority, []byte(req.Payload), []byte(meta),
		req.IdempotencyKey, req.ScanID, req.SiteID, req.IsTest,
		availableAt, maxAttempts,
	)

	job, err := scanJobFromRow(row)
	switch {
	case err == nil:
		channel := "job_added_" + string(req.Type)
		if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); notifyErr != nil {
			return nil, fmt.Errorf("send job notification: %w", notifyErr)
		}
		return &model.CreateJobResult{Job: job, Created: true}, nil

	case errors.Is(err, sql.ErrNoRows) && req.IdempotencyKey != nil:
		existing, lookupErr := r.findNonTerminalByKey(ctx, tx, req.Type, *req.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &model.CreateJobResult{Job: existing, Created: false}, nil

	default:
		return nil, fmt.Errorf("insert job: %w", err)
	}
}

func (r *JobRepo) findNonTerminalByKey(ctx context.Context, tx *sql.Tx, jobType model.JobType, key string) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE type = $1 AND idempotency_key = $2 AND status IN ('pending', 'active')
	`, jobType, key)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The holder finished between our insert and this read. Callers
		// treat it as a conflict and retry the enqueue.
		return nil, apperrors.Conflictf("idempotency key %q raced to a terminal job", key)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Delete removes a job that is not currently leased.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status <> 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	job, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return getErr
	}
	if job.Status == model.JobStatusActive && job.LeaseUntil != nil && job.LeaseUntil.After(now) {
		return apperrors.Conflictf("job %s holds a live lease", id)
	}
	return apperrors.Conflictf("job %s is active and cannot be deleted", id)
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, metadata              []byte
	idempotencyKey                 sql.NullString
	scanID, siteID, failedReason   sql.NullString
	workerID                       sql.NullString
	startedAt, finishedAt          sql.NullTime
	leaseUntil, heartbeatAt        sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&d.payload,
		&d.metadata,
		&d.idempotencyKey,
		&d.scanID,
		&d.siteID,
		&job.IsTest,
		&job.AvailableAt,
		&d.startedAt,
		&d.finishedAt,
		&job.Attempts,
		&job.MaxAttempts,
		&d.failedReason,
		&d.workerID,
		&d.leaseUntil,
		&d.heartbeatAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.Metadata = cloneJSON(d.metadata)
	job.IdempotencyKey = cloneNullableString(d.idempotencyKey)
	job.ScanID = cloneNullableString(d.scanID)
	job.SiteID = cloneNullableString(d.siteID)
	job.FailedReason = cloneNullableString(d.failedReason)
	job.WorkerID = cloneNullableString(d.workerID)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.LeaseUntil = cloneNullableTime(d.leaseUntil)
	job.HeartbeatAt = cloneNullableTime(d.heartbeatAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
