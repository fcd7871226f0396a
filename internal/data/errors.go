package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/target/merrymaker/internal/errors"
)

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally scoped to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// translateConstraintErr maps unique violations to conflict app errors so the
// taxonomy is uniform above the data layer. Other errors pass through.
func translateConstraintErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "") {
		return apperrors.Conflict(msg)
	}
	return err
}
