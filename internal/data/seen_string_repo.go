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

// SeenStringRepo is the authoritative store of previously observed strings.
// The rule engine consults it through the cache tiers and records new
// observations directly.
type SeenStringRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewSeenStringRepo creates a SeenStringRepo.
func NewSeenStringRepo(db *sql.DB, clock TimeProvider) *SeenStringRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &SeenStringRepo{DB: db, clock: clock}
}

// Lookup returns the seen string for (type, key), or a not_found error.
func (r *SeenStringRepo) Lookup(ctx context.Context, typ, key string) (*model.SeenString, error) {
	var ss model.SeenString
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, type, key, last_cached
		FROM seen_strings
		WHERE type = $1 AND key = $2
	`, typ, key).Scan(&ss.ID, &ss.Type, &ss.Key, &ss.LastCached)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("seen string %s/%s not found", typ, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup seen string: %w", err)
	}
	return &ss, nil
}

// RecordSeen upserts the (type, key) pair, touching last_cached so the
// retention window restarts on every observation.
func (r *SeenStringRepo) RecordSeen(ctx context.Context, req model.RecordSeenStringRequest) (*model.SeenString, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid seen string request")
	}

	now := r.clock.Now().UTC()
	var ss model.SeenString
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO seen_strings (type, key, last_cached)
		VALUES ($1, $2, $3)
		ON CONFLICT (type, key) DO UPDATE
		SET last_cached = EXCLUDED.last_cached
		RETURNING id, type, key, last_cached
	`, req.Type, req.Key, now).Scan(&ss.ID, &ss.Type, &ss.Key, &ss.LastCached)
	if err != nil {
		return nil, fmt.Errorf("record seen string: %w", err)
	}
	return &ss, nil
}

// DeleteOlderThan purges seen strings past their retention window.
func (r *SeenStringRepo) DeleteOlderThan(ctx context.Context, params core.DeleteSeenStringsParams) (int64, error) {
	if params.MaxAge <= 0 || params.BatchSize <= 0 {
		return 0, apperrors.Validation("max age and batch size must be positive")
	}

	cutoff := r.clock.Now().UTC().Add(-params.MaxAge)
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM seen_strings
		WHERE id IN (
			SELECT id FROM seen_strings
			WHERE last_cached < $1
			ORDER BY last_cached ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, params.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old seen strings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old seen strings rows affected: %w", err)
	}
	return affected, nil
}
