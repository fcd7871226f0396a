package httpx

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/ports"
	"github.com/target/merrymaker/internal/service"
)

const (
	stateCookie  = "auth_state"
	nonceCookie  = "auth_nonce"
	returnCookie = "auth_return"

	// flowCookieTTL bounds the login round-trip through the identity
	// provider.
	flowCookieTTL = 10 * time.Minute
)

// AuthHandlers drives the browser login flow against the session service.
type AuthHandlers struct {
	Sessions *service.SessionService
	// CallbackURL is the absolute redirect URL registered with the IdP.
	CallbackURL  string
	CookieDomain string
	CookieSecure bool
	Logger       *slog.Logger
}

// Login starts the flow: state and nonce land in short-lived cookies, the
// caller is redirected to the provider.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	authURL, state, nonce, err := h.Sessions.Begin(r.Context(), h.CallbackURL)
	if err != nil {
		h.logError(r, "login begin failed", err)
		RenderError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "login unavailable"))
		return
	}

	h.setFlowCookie(w, stateCookie, state)
	h.setFlowCookie(w, nonceCookie, nonce)
	if ret := safeReturnPath(r.URL.Query().Get("redirect_uri")); ret != "" {
		h.setFlowCookie(w, returnCookie, ret)
	}
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// Callback completes the flow: verify state, exchange the code, mint the
// session cookie, and send the browser back where it started.
func (h *AuthHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		RenderError(w, apperrors.Auth("missing state or code"))
		return
	}
	if cookie, err := r.Cookie(stateCookie); err != nil || cookie.Value != state {
		RenderError(w, apperrors.Auth("state mismatch"))
		return
	}
	nonce := ""
	if cookie, err := r.Cookie(nonceCookie); err == nil {
		nonce = cookie.Value
	}

	sess, err := h.Sessions.Complete(r.Context(), ports.ExchangeInput{
		Code:  code,
		State: state,
		Nonce: nonce,
	})
	if err != nil {
		h.logError(r, "login exchange failed", err)
		RenderError(w, err)
		return
	}

	h.clearCookie(w, stateCookie)
	h.clearCookie(w, nonceCookie)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Domain:   h.CookieDomain,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	target := "/"
	if cookie, err := r.Cookie(returnCookie); err == nil {
		if ret := safeReturnPath(cookie.Value); ret != "" {
			target = ret
		}
	}
	h.clearCookie(w, returnCookie)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Logout deletes the session and clears the cookie. Idempotent.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if err := h.Sessions.Logout(r.Context(), cookie.Value); err != nil {
			h.logError(r, "logout failed", err)
		}
	}
	h.clearCookie(w, SessionCookie)
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is the authenticated caller summary.
type statusResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status reports the current session, 401 when there is none.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Resolve(r.Context(), sessionIDFromRequest(r))
	if err != nil {
		RenderError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusResponse{
		UserID:    sess.UserID,
		Email:     sess.Email,
		Role:      string(sess.Role),
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *AuthHandlers) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.CookieDomain,
		MaxAge:   int(flowCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandlers) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.CookieSecure,
	})
}

func (h *AuthHandlers) logError(r *http.Request, msg string, err error) {
	if h.Logger != nil {
		h.Logger.ErrorContext(r.Context(), msg, "error", err)
	}
}

// safeReturnPath accepts only same-app relative paths for post-login
// redirects.
func safeReturnPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return ""
	}
	return u.RequestURI()
}
