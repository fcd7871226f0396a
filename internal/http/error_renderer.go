package httpx

import (
	"errors"
	"net/http"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/target/merrymaker/internal/errors"
)

// StatusForError maps the application error taxonomy to HTTP status codes.
// Raw Postgres constraint violations that escaped the repository layer are
// treated as conflicts.
func StatusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeLeaseLost:
		return http.StatusConflict
	case apperrors.ErrCodeAuth:
		return http.StatusUnauthorized
	case apperrors.ErrCodeTransient:
		return http.StatusServiceUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// RenderError writes err as a JSON error response. Internal details are not
// leaked for 500s; everything else surfaces the application error message.
func RenderError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	body := errorBody{
		Error:   string(apperrors.GetCode(err)),
		Message: err.Error(),
		Field:   apperrors.GetField(err),
	}
	if status == http.StatusInternalServerError {
		body.Error = string(apperrors.ErrCodeInternal)
		body.Message = "internal error"
		body.Field = ""
	}
	WriteJSON(w, status, body)
}
