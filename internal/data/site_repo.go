package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// SiteRepo provides database operations for scan sites.
type SiteRepo struct {
	DB *sql.DB
}

// NewSiteRepo creates a SiteRepo.
func NewSiteRepo(db *sql.DB) *SiteRepo {
	return &SiteRepo{DB: db}
}

const siteColumns = `id, name, url, source_id, EXTRACT(EPOCH FROM run_every)::bigint, enabled, created_at`

// Create registers a site. Duplicate names are conflicts.
func (r *SiteRepo) Create(ctx context.Context, req *model.CreateSiteRequest) (*model.Site, error) {
	if req == nil {
		return nil, apperrors.Validation("create site request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create site request")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO sites (name, url, source_id, run_every, enabled)
		VALUES ($1, $2, $3, make_interval(secs => $4), $5)
		RETURNING `+siteColumns,
		req.Name, req.URL, req.SourceID, int64(req.Interval/time.Second), req.Enabled,
	)
	site, err := scanSiteRow(row)
	if err != nil {
		return nil, translateConstraintErr(fmt.Errorf("create site: %w", err),
			fmt.Sprintf("site %q already exists", req.Name))
	}
	return site, nil
}

// GetByID returns one site.
func (r *SiteRepo) GetByID(ctx context.Context, id string) (*model.Site, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id)
	site, err := scanSiteRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("site %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// GetByName returns the site with the given name.
func (r *SiteRepo) GetByName(ctx context.Context, name string) (*model.Site, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE name = $1`, name)
	site, err := scanSiteRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("site %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get site by name: %w", err)
	}
	return site, nil
}

// List returns sites ordered by name.
func (r *SiteRepo) List(ctx context.Context, limit, offset int) ([]*model.Site, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+siteColumns+`
		FROM sites
		ORDER BY name ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []*model.Site
	for rows.Next() {
		site, scanErr := scanSiteRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan site: %w", scanErr)
		}
		sites = append(sites, site)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("site rows: %w", rowsErr)
	}
	return sites, nil
}

// Delete removes one site.
func (r *SiteRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete site: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete site rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanSiteRow(scanner rowScanner) (*model.Site, error) {
	var (
		site            model.Site
		sourceID        sql.NullString
		intervalSeconds int64
	)
	if err := scanner.Scan(
		&site.ID, &site.Name, &site.URL, &sourceID, &intervalSeconds,
		&site.Enabled, &site.CreatedAt,
	); err != nil {
		return nil, err
	}
	site.SourceID = cloneNullableString(sourceID)
	site.Interval = time.Duration(intervalSeconds) * time.Second
	return &site, nil
}
