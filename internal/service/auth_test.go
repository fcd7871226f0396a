package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/ports"
)

type fakeAuthProvider struct {
	identity domainauth.Identity
	err      error
}

func (f *fakeAuthProvider) Begin(_ context.Context, _ ports.BeginInput) (string, string, string, error) {
	return "https://idp.example/auth", "state-1", "nonce-1", nil
}

func (f *fakeAuthProvider) Exchange(_ context.Context, _ ports.ExchangeInput) (domainauth.Identity, error) {
	return f.identity, f.err
}

type fakeSessionStore struct {
	sessions map[string]domainauth.Session
	ttls     map[string]time.Duration
	deleted  []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: map[string]domainauth.Session{},
		ttls:     map[string]time.Duration{},
	}
}

func (f *fakeSessionStore) Save(_ context.Context, sess domainauth.Session, ttl time.Duration) error {
	f.sessions[sess.ID] = sess
	f.ttls[sess.ID] = ttl
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, id string) (domainauth.Session, error) {
	if sess, ok := f.sessions[id]; ok {
		return sess, nil
	}
	return domainauth.Session{}, apperrors.NotFound("session not found")
}

func (f *fakeSessionStore) Delete(_ context.Context, id string) error {
	delete(f.sessions, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type staticRoleMapper struct{ role domainauth.Role }

func (m staticRoleMapper) Map(_ []string) domainauth.Role { return m.role }

func newTestSessionService(provider *fakeAuthProvider, store *fakeSessionStore, role domainauth.Role) *SessionService {
	return NewSessionService(SessionServiceOptions{
		Provider: provider,
		Store:    store,
		Roles:    staticRoleMapper{role: role},
		Now:      fixedNow,
	})
}

func TestSessionService_CompleteCreatesSession(t *testing.T) {
	store := newFakeSessionStore()
	provider := &fakeAuthProvider{identity: domainauth.Identity{
		UserID:    "jdoe",
		Email:     "jdoe@example.com",
		ExpiresAt: fixedNow().Add(time.Hour),
	}}
	svc := newTestSessionService(provider, store, domainauth.RoleUser)

	sess, err := svc.Complete(context.Background(), ports.ExchangeInput{Code: "code-1"})
	require.NoError(t, err)
	assert.Equal(t, "jdoe", sess.UserID)
	assert.Equal(t, domainauth.RoleUser, sess.Role)
	assert.Equal(t, time.Hour, store.ttls[sess.ID], "ttl matches identity expiry")
}

func TestSessionService_CompleteFallbackTTL(t *testing.T) {
	store := newFakeSessionStore()
	provider := &fakeAuthProvider{identity: domainauth.Identity{UserID: "jdoe"}}
	svc := newTestSessionService(provider, store, domainauth.RoleGuest)

	sess, err := svc.Complete(context.Background(), ports.ExchangeInput{Code: "code-1"})
	require.NoError(t, err)
	assert.Equal(t, defaultSessionTTL, store.ttls[sess.ID])
}

func TestSessionService_ExchangeFailureIsAuthError(t *testing.T) {
	provider := &fakeAuthProvider{err: apperrors.Auth("bad code")}
	svc := newTestSessionService(provider, newFakeSessionStore(), domainauth.RoleUser)

	_, err := svc.Complete(context.Background(), ports.ExchangeInput{Code: "bad"})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))
}

func TestSessionService_ResolveExpiredDeletes(t *testing.T) {
	store := newFakeSessionStore()
	store.sessions["sess-1"] = domainauth.Session{
		ID:        "sess-1",
		UserID:    "jdoe",
		Role:      domainauth.RoleUser,
		ExpiresAt: fixedNow().Add(-time.Minute),
	}
	svc := newTestSessionService(&fakeAuthProvider{}, store, domainauth.RoleUser)

	_, err := svc.Resolve(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))
	assert.Contains(t, store.deleted, "sess-1", "expired session cleaned up on read")
}

func TestSessionService_RequireRole(t *testing.T) {
	store := newFakeSessionStore()
	store.sessions["sess-1"] = domainauth.Session{
		ID:        "sess-1",
		UserID:    "jdoe",
		Role:      domainauth.RoleUser,
		ExpiresAt: fixedNow().Add(time.Hour),
	}
	svc := newTestSessionService(&fakeAuthProvider{}, store, domainauth.RoleUser)
	ctx := context.Background()

	_, err := svc.RequireRole(ctx, "sess-1", domainauth.RoleUser)
	require.NoError(t, err)

	_, err = svc.RequireRole(ctx, "sess-1", domainauth.RoleAdmin)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))

	_, err = svc.RequireRole(ctx, "", domainauth.RoleGuest)
	require.Error(t, err, "missing session never passes")
}

func TestSessionService_LogoutIdempotent(t *testing.T) {
	svc := newTestSessionService(&fakeAuthProvider{}, newFakeSessionStore(), domainauth.RoleUser)

	require.NoError(t, svc.Logout(context.Background(), "never-existed"))
	require.NoError(t, svc.Logout(context.Background(), ""))
}
