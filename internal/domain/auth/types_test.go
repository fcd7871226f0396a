package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRole_AtLeast(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleUser, true},
		{RoleUser, RoleAdmin, false},
		{RoleUser, RoleUser, true},
		{RoleUser, RoleTransport, true},
		{RoleTransport, RoleUser, false},
		{RoleTransport, RoleTransport, true},
		{RoleGuest, RoleTransport, false},
		{RoleGuest, RoleGuest, true},
		{Role("superuser"), RoleGuest, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.AtLeast(tt.required),
			"%s AtLeast %s", tt.role, tt.required)
	}
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleTransport.Valid())
	assert.False(t, Role("root").Valid())
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()

	sess := Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, sess.Expired(now))

	sess.ExpiresAt = now.Add(-time.Second)
	assert.True(t, sess.Expired(now))

	sess.ExpiresAt = time.Time{}
	assert.False(t, sess.Expired(now), "zero expiry means the store's TTL governs")

	assert.True(t, Session{Role: RoleGuest}.IsGuest())
	assert.False(t, Session{Role: RoleUser}.IsGuest())
}
