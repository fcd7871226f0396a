package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// AllowListRepo provides database operations for allow-list entries.
type AllowListRepo struct {
	DB *sql.DB
}

// NewAllowListRepo creates an AllowListRepo.
func NewAllowListRepo(db *sql.DB) *AllowListRepo {
	return &AllowListRepo{DB: db}
}

// Create registers an allow-list entry. Duplicate (type, key) is a conflict.
func (r *AllowListRepo) Create(ctx context.Context, req model.CreateAllowListRequest) (*model.AllowList, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid allow list request")
	}

	var entry model.AllowList
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO allow_list (type, key)
		VALUES ($1, $2)
		RETURNING id, type, key, created_at
	`, req.Type, req.Key).Scan(&entry.ID, &entry.Type, &entry.Key, &entry.CreatedAt)
	if err != nil {
		return nil, translateConstraintErr(fmt.Errorf("create allow list entry: %w", err),
			fmt.Sprintf("allow list entry %s %q already exists", req.Type, req.Key))
	}
	return &entry, nil
}

// List returns allow-list entries newest first.
func (r *AllowListRepo) List(ctx context.Context, limit, offset int) ([]*model.AllowList, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, type, key, created_at
		FROM allow_list
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list allow list: %w", err)
	}
	defer rows.Close()

	var entries []*model.AllowList
	for rows.Next() {
		var entry model.AllowList
		if scanErr := rows.Scan(&entry.ID, &entry.Type, &entry.Key, &entry.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan allow list entry: %w", scanErr)
		}
		entries = append(entries, &entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("allow list rows: %w", rowsErr)
	}
	return entries, nil
}

// Delete removes one allow-list entry.
func (r *AllowListRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM allow_list WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete allow list entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete allow list rows affected: %w", err)
	}
	return affected > 0, nil
}

// Contains reports whether the key is allow-listed for the type. FQDN keys
// also cover their subdomains.
func (r *AllowListRepo) Contains(ctx context.Context, typ model.AllowListType, key string) (bool, error) {
	key = model.NormalizeHost(key)
	if key == "" {
		return false, apperrors.ValidationField("key", "key is required")
	}

	var found bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM allow_list
			WHERE type = $1
			  AND (key = $2 OR (type = 'fqdn' AND $2 LIKE '%.' || key))
		)
	`, typ, key).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("allow list lookup: %w", err)
	}
	return found, nil
}
