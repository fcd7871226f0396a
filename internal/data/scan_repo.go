package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// ScanRepo provides database operations for scan lifecycle records.
type ScanRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewScanRepo creates a ScanRepo.
func NewScanRepo(db *sql.DB, clock TimeProvider) *ScanRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &ScanRepo{DB: db, clock: clock}
}

const scanColumns = `id, site_id, source_id, state, is_test, started_at, ended_at, created_at`

// Create registers a scan in the queued state. Callers may supply the id so
// it can double as the scan job's scan_id.
func (r *ScanRepo) Create(ctx context.Context, params core.CreateScanParams) (*model.Scan, error) {
	if params.ID == "" {
		return nil, apperrors.ValidationField("id", "scan id is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO scans (id, site_id, source_id, state, is_test)
		VALUES ($1, $2, $3, 'queued', $4)
		RETURNING `+scanColumns,
		params.ID, params.SiteID, params.SourceID, params.IsTest,
	)
	scan, err := scanScanRow(row)
	if err != nil {
		return nil, translateConstraintErr(fmt.Errorf("create scan: %w", err), "scan already exists")
	}
	return scan, nil
}

// GetByID returns one scan.
func (r *ScanRepo) GetByID(ctx context.Context, id string) (*model.Scan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id)
	scan, err := scanScanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("scan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return scan, nil
}

// stateRankSQL mirrors model.ScanState.Rank for in-database comparison.
const stateRankSQL = `
	CASE %s
		WHEN 'queued' THEN 0
		WHEN 'active' THEN 1
		WHEN 'completed' THEN 2
		WHEN 'errored' THEN 2
		ELSE -1
	END`

// Transition moves the scan to the target state only when it outranks the
// current one. Replayed or out-of-order reports are suppressed and reported
// as false. Transitioning an unknown scan is a not_found error.
func (r *ScanRepo) Transition(ctx context.Context, scanID string, to model.ScanState) (bool, error) {
	if to.Rank() < 0 {
		return false, apperrors.Validation(fmt.Sprintf("invalid scan state: %s", to))
	}

	now := r.clock.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE scans
		SET state = $2,
		    started_at = CASE WHEN $2 = 'active' THEN COALESCE(started_at, $3::timestamptz) ELSE started_at END,
		    ended_at = CASE WHEN $2 IN ('completed', 'errored') THEN COALESCE(ended_at, $3::timestamptz) ELSE ended_at END
		WHERE id = $1
		  AND `+stateRankSQL+` < `+stateRankSQL+`
	`, "state", "$2")

	res, err := r.DB.ExecContext(ctx, query, scanID, to, now)
	if err != nil {
		return false, fmt.Errorf("transition scan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition scan rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish a suppressed replay from a missing scan.
	if _, getErr := r.GetByID(ctx, scanID); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// DeleteOlderThan purges scans whose run ended more than maxAge ago.
func (r *ScanRepo) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 || batchSize <= 0 {
		return 0, apperrors.Validation("max age and batch size must be positive")
	}

	cutoff := r.clock.Now().UTC().Add(-maxAge)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM scans
		WHERE id IN (
			SELECT id FROM scans
			WHERE created_at < $1
			  AND state IN ('completed', 'errored')
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old scans: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old scans rows affected: %w", err)
	}
	return affected, nil
}

func scanScanRow(scanner rowScanner) (*model.Scan, error) {
	var (
		scan               model.Scan
		siteID, sourceID   sql.NullString
		startedAt, endedAt sql.NullTime
	)
	if err := scanner.Scan(
		&scan.ID, &siteID, &sourceID, &scan.State, &scan.IsTest,
		&startedAt, &endedAt, &scan.CreatedAt,
	); err != nil {
		return nil, err
	}
	scan.SiteID = cloneNullableString(siteID)
	scan.SourceID = cloneNullableString(sourceID)
	scan.StartedAt = cloneNullableTime(startedAt)
	scan.EndedAt = cloneNullableTime(endedAt)
	return &scan, nil
}
