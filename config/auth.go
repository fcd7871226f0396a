package config

import (
	"fmt"
	"strings"
	"time"
)

// AuthMode represents the authentication mode for the application.
type AuthMode string

const (
	// AuthModeOAuth uses OAuth/OIDC for authentication.
	AuthModeOAuth AuthMode = "oauth"
	// AuthModeDisabled turns off authentication entirely (development only;
	// every route behaves as if called by an admin).
	AuthModeDisabled AuthMode = "disabled"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "oauth", "disabled":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: oauth, disabled)", v)
	}
}

// OAuthConfig contains OAuth/OIDC configuration.
type OAuthConfig struct {
	IssuerURL    string `env:"ISSUER_URL"`
	ClientID     string `env:"CLIENT_ID"     envDefault:"merrymaker"`
	ClientSecret string `env:"CLIENT_SECRET" envDefault:"merrymaker"`
	RedirectURL  string `env:"REDIRECT_URL"  envDefault:"http://localhost:8080/auth/callback"`
	Scope        string `env:"SCOPE"         envDefault:"openid profile email groups"`
}

// Scopes splits the space-delimited Scope field.
func (o *OAuthConfig) Scopes() []string {
	return strings.Fields(o.Scope)
}

// AuthConfig groups all authentication-related configuration.
type AuthConfig struct {
	// Mode determines which authentication provider to use.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"oauth"`

	// OAuth configuration (used when Mode=oauth).
	OAuth OAuthConfig `envPrefix:"OAUTH_"`

	// AdminGroup is the LDAP/AD group DN for admin users.
	AdminGroup string `env:"ADMIN_GROUP"`

	// UserGroup is the LDAP/AD group DN for regular users.
	UserGroup string `env:"USER_GROUP"`

	// TransportGroup is the group DN for machine callers that only push
	// scan events.
	TransportGroup string `env:"TRANSPORT_GROUP"`

	// SessionTTL bounds how long a login stays valid.
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"12h"`

	// CookieDomain scopes the session cookie; empty uses the request host.
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CookieSecure marks the session cookie Secure. Leave false only for
	// plain-HTTP local development.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"true"`
}
