package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// IOCRepo provides database operations for indicators of compromise.
type IOCRepo struct {
	DB *sql.DB
}

// NewIOCRepo creates an IOCRepo.
func NewIOCRepo(db *sql.DB) *IOCRepo {
	return &IOCRepo{DB: db}
}

const iocColumns = `id, type, value, enabled, created_at`

// Create registers one indicator. Duplicate enabled (type, value) pairs are
// conflicts.
func (r *IOCRepo) Create(ctx context.Context, req model.CreateIOCRequest) (*model.IOC, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create ioc request")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO iocs (type, value, enabled)
		VALUES ($1, $2, $3)
		RETURNING `+iocColumns,
		req.Type, req.Value, req.Enabled,
	)
	ioc, err := scanIOCRow(row)
	if err != nil {
		return nil, translateConstraintErr(fmt.Errorf("create ioc: %w", err),
			fmt.Sprintf("ioc %s %q already exists", req.Type, req.Value))
	}
	return ioc, nil
}

// BulkCreate registers a batch of indicators, skipping duplicates. Returns
// the number of rows actually inserted.
func (r *IOCRepo) BulkCreate(ctx context.Context, reqs []model.CreateIOCRequest) (int, error) {
	inserted := 0
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return inserted, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "ioc %d invalid", i)
		}
		res, err := r.DB.ExecContext(ctx, `
			INSERT INTO iocs (type, value, enabled)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, reqs[i].Type, reqs[i].Value, reqs[i].Enabled)
		if err != nil {
			return inserted, fmt.Errorf("bulk create ioc %d: %w", i, err)
		}
		if affected, raErr := res.RowsAffected(); raErr == nil {
			inserted += int(affected)
		}
	}
	return inserted, nil
}

// GetByID returns one indicator.
func (r *IOCRepo) GetByID(ctx context.Context, id string) (*model.IOC, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+iocColumns+` FROM iocs WHERE id = $1`, id)
	ioc, err := scanIOCRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("ioc %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ioc: %w", err)
	}
	return ioc, nil
}

// List returns indicators newest first.
func (r *IOCRepo) List(ctx context.Context, limit, offset int) ([]*model.IOC, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+iocColumns+`
		FROM iocs
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list iocs: %w", err)
	}
	defer rows.Close()

	var iocs []*model.IOC
	for rows.Next() {
		ioc, scanErr := scanIOCRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan ioc: %w", scanErr)
		}
		iocs = append(iocs, ioc)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("ioc rows: %w", rowsErr)
	}
	return iocs, nil
}

// Delete removes one indicator.
func (r *IOCRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM iocs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete ioc: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete ioc rows affected: %w", err)
	}
	return affected > 0, nil
}

// LookupHost returns the enabled indicator matching the host: an exact value
// match on any type, or the closest fqdn ancestor for subdomains. Returns nil
// when nothing matches.
func (r *IOCRepo) LookupHost(ctx context.Context, host string) (*model.IOC, error) {
	host = model.NormalizeHost(host)
	if host == "" {
		return nil, apperrors.ValidationField("host", "host is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+iocColumns+`
		FROM iocs
		WHERE enabled
		  AND (value = $1 OR (type = 'fqdn' AND $1 LIKE '%.' || value))
		ORDER BY length(value) DESC
		LIMIT 1
	`, host)
	ioc, err := scanIOCRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ioc host: %w", err)
	}
	return ioc, nil
}

func scanIOCRow(scanner rowScanner) (*model.IOC, error) {
	var ioc model.IOC
	if err := scanner.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.Enabled, &ioc.CreatedAt); err != nil {
		return nil, err
	}
	return &ioc, nil
}
