// Package httpx is the HTTP boundary: the transport ingest API for scanner
// workers plus the session-gated control endpoints.
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// SessionCookie is the cookie carrying the opaque session id.
const SessionCookie = "session_id"

// SessionResolver validates a session id. Satisfied by
// service.SessionService.
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (domainauth.Session, error)
}

// Logging logs one line per request with method, path, status, and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recover converts handler panics into 500 responses.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "handler panic",
						slog.Any("error", rec),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())))
					RenderError(w, apperrors.Internal("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole gates a handler behind a minimum role. Missing or invalid
// sessions get 401; valid sessions below the required role get 403. The
// resolved session rides the request context for handlers that want it.
//
// A nil resolver disables the gate, which is how local development without an
// identity provider runs.
func RequireRole(sessions SessionResolver, required domainauth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if sessions == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Resolve(r.Context(), sessionIDFromRequest(r))
			if err != nil {
				WriteJSON(w, http.StatusUnauthorized, errorBody{
					Error:   string(apperrors.ErrCodeAuth),
					Message: "authentication required",
				})
				return
			}
			if !sess.Role.AtLeast(required) {
				WriteJSON(w, http.StatusForbidden, errorBody{
					Error:   string(apperrors.ErrCodeAuth),
					Message: "insufficient role",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(SetSession(r.Context(), sess)))
		})
	}
}

// sessionIDFromRequest reads the session id from the cookie, falling back to
// a bearer token for machine callers that do not hold cookies.
func sessionIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
