package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/ports"
)

// SessionService orchestrates the login flow and session lifecycle on top of
// the auth provider, role mapper, and TTL session store.
type SessionService struct {
	provider ports.AuthProvider
	store    ports.SessionStore
	roles    ports.RoleMapper
	logger   *slog.Logger
	now      func() time.Time

	// fallbackTTL bounds sessions whose identity carries no expiry.
	fallbackTTL time.Duration
}

// SessionServiceOptions configures NewSessionService.
type SessionServiceOptions struct {
	Provider ports.AuthProvider
	Store    ports.SessionStore
	Roles    ports.RoleMapper
	Logger   *slog.Logger
	Now      func() time.Time

	FallbackTTL time.Duration
}

const defaultSessionTTL = 8 * time.Hour

// NewSessionService creates a SessionService.
func NewSessionService(opts SessionServiceOptions) *SessionService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	ttl := opts.FallbackTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionService{
		provider:    opts.Provider,
		store:       opts.Store,
		roles:       opts.Roles,
		logger:      logger.With("component", "session_service"),
		now:         nowFn,
		fallbackTTL: ttl,
	}
}

// Begin starts the login flow.
func (s *SessionService) Begin(ctx context.Context, redirectURL string) (authURL, state, nonce string, err error) {
	return s.provider.Begin(ctx, ports.BeginInput{RedirectURL: redirectURL})
}

// Complete finishes the login flow: exchanges the code, maps groups to a
// role, and persists a session bounded by the identity's expiry.
func (s *SessionService) Complete(ctx context.Context, in ports.ExchangeInput) (domainauth.Session, error) {
	identity, err := s.provider.Exchange(ctx, in)
	if err != nil {
		return domainauth.Session{}, apperrors.Wrap(err, apperrors.ErrCodeAuth, "login exchange failed")
	}

	now := s.now()
	expiresAt := identity.ExpiresAt
	if expiresAt.IsZero() || !expiresAt.After(now) {
		expiresAt = now.Add(s.fallbackTTL)
	}

	sess := domainauth.Session{
		ID:        uuid.NewString(),
		UserID:    identity.UserID,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Email:     identity.Email,
		Role:      s.roles.Map(identity.Groups),
		ExpiresAt: expiresAt,
	}
	if err := s.store.Save(ctx, sess, expiresAt.Sub(now)); err != nil {
		return domainauth.Session{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "session save failed")
	}

	s.logger.InfoContext(ctx, "session created",
		"user", sess.UserID, "role", sess.Role)
	return sess, nil
}

// Resolve loads and validates a session by id. Expired sessions are deleted
// and reported as auth errors.
func (s *SessionService) Resolve(ctx context.Context, sessionID string) (domainauth.Session, error) {
	if sessionID == "" {
		return domainauth.Session{}, apperrors.Auth("missing session")
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return domainauth.Session{}, apperrors.Auth("session not found")
		}
		return domainauth.Session{}, err
	}
	if sess.Expired(s.now()) {
		// The store TTL should have collected this; clean up regardless.
		if delErr := s.store.Delete(ctx, sessionID); delErr != nil {
			s.logger.WarnContext(ctx, "expired session not deleted", "error", delErr)
		}
		return domainauth.Session{}, apperrors.Auth("session expired")
	}
	return sess, nil
}

// RequireRole resolves the session and enforces a minimum role.
func (s *SessionService) RequireRole(ctx context.Context, sessionID string, required domainauth.Role) (domainauth.Session, error) {
	sess, err := s.Resolve(ctx, sessionID)
	if err != nil {
		return domainauth.Session{}, err
	}
	if !sess.Role.AtLeast(required) {
		return domainauth.Session{}, apperrors.Auth("insufficient role")
	}
	return sess, nil
}

// Logout deletes a session. Deleting an absent session is not an error.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := s.store.Delete(ctx, sessionID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	return nil
}
