package httpx

import (
	"context"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
)

type sessionContextKey struct{}

// SetSession stores the authenticated session in the request context.
func SetSession(ctx context.Context, sess domainauth.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFrom returns the session attached by the auth middleware, if any.
func SessionFrom(ctx context.Context) (domainauth.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(domainauth.Session)
	return sess, ok
}
