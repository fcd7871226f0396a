package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// JobResultRepo stores the latest result payload per job.
type JobResultRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewJobResultRepo creates a JobResultRepo.
func NewJobResultRepo(db *sql.DB, clock TimeProvider) *JobResultRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &JobResultRepo{DB: db, clock: clock}
}

// Upsert writes or replaces the result row for a job.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	return upsertJobResult(ctx, r.DB, r.clock, params)
}

// GetByJobID returns the stored result for a job.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	var res model.JobResult
	var payload []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT job_id, job_type, outcome, payload, produced_at
		FROM job_results
		WHERE job_id = $1
	`, jobID).Scan(&res.JobID, &res.JobType, &res.Outcome, &payload, &res.ProducedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("job result for %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	res.Payload = cloneJSON(payload)
	return &res, nil
}

func upsertJobResult(ctx context.Context, db *sql.DB, clock TimeProvider, params core.UpsertJobResultParams) error {
	if params.JobID == "" {
		return apperrors.Validation("job_id is required")
	}
	payload := params.Result
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, job_type, outcome, payload, produced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET outcome = EXCLUDED.outcome,
		    payload = EXCLUDED.payload,
		    produced_at = EXCLUDED.produced_at
	`, params.JobID, params.JobType, params.Outcome, payload, clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert job result: %w", err)
	}
	return nil
}

// upsertResult lets the job repo persist results on Complete without holding
// a second repository.
func (r *JobRepo) upsertResult(ctx context.Context, params core.UpsertJobResultParams) error {
	return upsertJobResult(ctx, r.DB, r.clock, params)
}
