// Package auth contains domain-level types for authentication and sessions.
// It is pure and free of framework/adapter concerns.
package auth

import "time"

// Role is an application authorization role. Kept as a string for easy
// persistence and session serialization.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	// RoleTransport is the machine role for scanner workers pushing events.
	RoleTransport Role = "transport"
	RoleGuest     Role = "guest"
)

// rank orders roles for AtLeast. Transport sits between guest and user: it
// may push scan events but holds none of the human read/write grants.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleUser:
		return 2
	case RoleTransport:
		return 1
	case RoleGuest:
		return 0
	default:
		return -1
	}
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool { return r.rank() >= 0 }

// AtLeast reports whether the role grants everything required covers.
// Unknown roles never satisfy any requirement.
func (r Role) AtLeast(required Role) bool {
	if r.rank() < 0 {
		return false
	}
	return r.rank() >= required.rank()
}

// Identity is the authenticated principal returned by an identity provider.
// Adapters map provider-specific claims into this shape.
type Identity struct {
	UserID    string // stable user identifier (e.g. samAccountName or sub)
	FirstName string
	LastName  string
	Email     string
	Groups    []string
	ExpiresAt time.Time // absolute expiry from the IdP token
}

// Session is the server-side record persisted for an authenticated caller.
// ID is an opaque random URL-safe string.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsGuest reports whether the session carries the guest role.
func (s Session) IsGuest() bool { return s.Role == RoleGuest }

// Expired reports whether the session's absolute expiry has passed. Stores
// apply TTLs, but the check guards against clock drift between store and app.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}
