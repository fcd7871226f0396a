package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/merrymaker/internal/errors"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: apperrors.Validation("bad input"), want: http.StatusUnprocessableEntity},
		{name: "not found", err: apperrors.NotFound("missing"), want: http.StatusNotFound},
		{name: "conflict", err: apperrors.Conflict("duplicate"), want: http.StatusConflict},
		{name: "auth", err: apperrors.Auth("no session"), want: http.StatusUnauthorized},
		{name: "lease lost", err: apperrors.LeaseLost("taken over"), want: http.StatusConflict},
		{name: "transient", err: apperrors.Transient("db down"), want: http.StatusServiceUnavailable},
		{name: "internal", err: apperrors.Internal("bug"), want: http.StatusInternalServerError},
		{name: "plain error", err: errors.New("boom"), want: http.StatusInternalServerError},
		{name: "wrapped not found", err: apperrors.Wrap(errors.New("sql"), apperrors.ErrCodeNotFound, "scan"), want: http.StatusNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: http.StatusConflict},
		{name: "fk violation", err: &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForError(tt.err))
		})
	}
}

func TestRenderError_MasksInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, errors.New("pq: connection string contained a password"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal", body.Error)
	assert.Equal(t, "internal error", body.Message)
}

func TestRenderError_SurfacesValidationField(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, apperrors.ValidationField("site_id", "site_id is required"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Error)
	assert.Equal(t, "site_id", body.Field)
	assert.Equal(t, "site_id is required", body.Message)
}
