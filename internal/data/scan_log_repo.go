package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/data/pgxutil"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// ScanLogRepo provides database operations for the append-only scan log.
type ScanLogRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewScanLogRepo creates a ScanLogRepo.
func NewScanLogRepo(db *sql.DB, clock TimeProvider) *ScanLogRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &ScanLogRepo{DB: db, clock: clock}
}

// BulkInsert writes a batch of scan log rows in one round trip via COPY.
// Returns the number of rows written.
func (r *ScanLogRepo) BulkInsert(ctx context.Context, reqs []*model.CreateScanLogRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}

	now := r.clock.Now().UTC()
	rows := make([][]any, 0, len(reqs))
	for i, req := range reqs {
		if req == nil || req.ScanID == "" {
			return 0, apperrors.Validation(fmt.Sprintf("scan log entry %d: scan_id is required", i))
		}
		level := req.Level
		if level == "" {
			level = "info"
		}
		event := []byte(req.Event)
		if len(event) == 0 {
			event = []byte(`{}`)
		}
		rows = append(rows, []any{req.ScanID, string(req.Entry), level, event, now})
	}

	var inserted int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		n, copyErr := conn.CopyFrom(ctx,
			pgx.Identifier{"scan_logs"},
			[]string{"scan_id", "entry", "level", "event", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if copyErr != nil {
			return copyErr
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert scan logs: %w", err)
	}
	return int(inserted), nil
}

// ListByScan returns log rows for one scan in insertion order.
func (r *ScanLogRepo) ListByScan(ctx context.Context, opts core.ScanLogListOptions) ([]*model.ScanLog, error) {
	if opts.ScanID == "" {
		return nil, apperrors.ValidationField("scan_id", "scan_id is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, scan_id, entry, level, event, created_at
		FROM scan_logs
		WHERE scan_id = $1
	`
	args := []any{opts.ScanID}
	if opts.Entry != nil {
		query += ` AND entry = $2`
		args = append(args, *opts.Entry)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d OFFSET %d`, limit, opts.Offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scan logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.ScanLog
	for rows.Next() {
		var (
			log   model.ScanLog
			event []byte
		)
		if scanErr := rows.Scan(&log.ID, &log.ScanID, &log.Entry, &log.Level, &event, &log.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan scan log: %w", scanErr)
		}
		log.Event = cloneJSON(event)
		logs = append(logs, &log)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("scan log rows: %w", rowsErr)
	}
	return logs, nil
}

// DeleteOlderThan purges scan log rows older than maxAge.
func (r *ScanLogRepo) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 || batchSize <= 0 {
		return 0, apperrors.Validation("max age and batch size must be positive")
	}

	cutoff := r.clock.Now().UTC().Add(-maxAge)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM scan_logs
		WHERE id IN (
			SELECT id FROM scan_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old scan logs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old scan logs rows affected: %w", err)
	}
	return affected, nil
}
