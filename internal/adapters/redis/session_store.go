package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/ports"
)

const sessionKeyPrefix = "session:"

// SessionStore persists sessions as JSON values with a Redis TTL.
type SessionStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(client redis.UniversalClient) *SessionStore {
	return &SessionStore{client: client, now: time.Now}
}

// Save writes the session under its id with the given TTL.
func (s *SessionStore) Save(ctx context.Context, sess domainauth.Session, ttl time.Duration) error {
	if sess.ID == "" {
		return apperrors.Validation("session id is required")
	}
	if ttl <= 0 {
		return apperrors.Validation("session ttl must be positive")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get loads a session. Missing, undecodable, or expired sessions come back as
// not_found; expiry is re-checked here in case the store TTL lagged the
// session's own deadline.
func (s *SessionStore) Get(ctx context.Context, id string) (domainauth.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domainauth.Session{}, apperrors.NotFound("session not found")
	}
	if err != nil {
		return domainauth.Session{}, fmt.Errorf("load session: %w", err)
	}

	var sess domainauth.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		// A corrupt record is unusable; drop it rather than erroring forever.
		_ = s.client.Del(ctx, sessionKeyPrefix+id).Err()
		return domainauth.Session{}, apperrors.NotFound("session not found")
	}
	if sess.Expired(s.now()) {
		_ = s.client.Del(ctx, sessionKeyPrefix+id).Err()
		return domainauth.Session{}, apperrors.NotFound("session expired")
	}
	return sess, nil
}

// Delete removes a session. Deleting an absent session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

var _ ports.SessionStore = (*SessionStore)(nil)
