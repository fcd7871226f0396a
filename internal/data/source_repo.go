package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// SourceRepo provides database operations for browser scripts.
type SourceRepo struct {
	DB *sql.DB
}

// NewSourceRepo creates a SourceRepo.
func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{DB: db}
}

const sourceColumns = `id, name, script, is_test, created_at`

// Create registers a source script. Duplicate names are conflicts.
func (r *SourceRepo) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if req == nil {
		return nil, apperrors.Validation("create source request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create source request")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO sources (name, script, is_test)
		VALUES ($1, $2, $3)
		RETURNING `+sourceColumns,
		req.Name, req.Script, req.IsTest,
	)
	source, err := scanSourceRow(row)
	if err != nil {
		return nil, translateConstraintErr(fmt.Errorf("create source: %w", err),
			fmt.Sprintf("source %q already exists", req.Name))
	}
	return source, nil
}

// GetByID returns one source.
func (r *SourceRepo) GetByID(ctx context.Context, id string) (*model.Source, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	source, err := scanSourceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("source %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

// GetByName returns the source with the given name.
func (r *SourceRepo) GetByName(ctx context.Context, name string) (*model.Source, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name = $1`, name)
	source, err := scanSourceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("source %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get source by name: %w", err)
	}
	return source, nil
}

// Delete removes one source.
func (r *SourceRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete source: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete source rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanSourceRow(scanner rowScanner) (*model.Source, error) {
	var source model.Source
	if err := scanner.Scan(&source.ID, &source.Name, &source.Script, &source.IsTest, &source.CreatedAt); err != nil {
		return nil, err
	}
	return &source, nil
}
