// Package oidc implements the identity-provider port on OIDC discovery,
// authorization-code exchange, and ID token verification.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	"github.com/target/merrymaker/internal/ports"
)

// Config holds the relying-party settings for the identity provider.
type Config struct {
	// IssuerURL is the provider issuer; a discovery document URL is accepted
	// and normalized.
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to openid, profile, email, groups.
	Scopes []string

	HTTPClient *http.Client
}

// Provider completes the login flow against a discovered OIDC issuer.
type Provider struct {
	oauth    *oauth2.Config
	verifier *gooidc.IDTokenVerifier
	remote   *gooidc.Provider
}

// NewProvider runs discovery against the issuer and builds the verifier and
// oauth2 client.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	switch {
	case cfg.IssuerURL == "":
		return nil, errors.New("oidc: issuer url is required")
	case cfg.ClientID == "":
		return nil, errors.New("oidc: client id is required")
	case cfg.ClientSecret == "":
		return nil, errors.New("oidc: client secret is required")
	case cfg.RedirectURL == "":
		return nil, errors.New("oidc: redirect url is required")
	}

	if cfg.HTTPClient != nil {
		ctx = gooidc.ClientContext(ctx, cfg.HTTPClient)
	}
	remote, err := gooidc.NewProvider(ctx, issuerFromURL(cfg.IssuerURL))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email", "groups"}
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     remote.Endpoint(),
			Scopes:       scopes,
		},
		verifier: remote.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		remote:   remote,
	}, nil
}

// Begin returns the provider authorization URL with fresh state and nonce.
func (p *Provider) Begin(_ context.Context, in ports.BeginInput) (string, string, string, error) {
	if in.RedirectURL == "" {
		return "", "", "", errors.New("oidc: redirect url is required")
	}
	state, err := randomToken()
	if err != nil {
		return "", "", "", fmt.Errorf("oidc: generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", "", "", fmt.Errorf("oidc: generate nonce: %w", err)
	}
	authURL := p.oauth.AuthCodeURL(state, gooidc.Nonce(nonce))
	return authURL, state, nonce, nil
}

// Exchange swaps the authorization code for tokens, verifies the ID token and
// its nonce, and maps the claims into a domain identity.
func (p *Provider) Exchange(ctx context.Context, in ports.ExchangeInput) (domainauth.Identity, error) {
	if in.Code == "" {
		return domainauth.Identity{}, errors.New("oidc: authorization code is required")
	}

	token, err := p.oauth.Exchange(ctx, in.Code)
	if err != nil {
		return domainauth.Identity{}, fmt.Errorf("oidc: code exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return domainauth.Identity{}, errors.New("oidc: token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return domainauth.Identity{}, fmt.Errorf("oidc: verify id_token: %w", err)
	}
	if in.Nonce != "" && idToken.Nonce != in.Nonce {
		return domainauth.Identity{}, errors.New("oidc: nonce mismatch")
	}

	var claims identityClaims
	if err := idToken.Claims(&claims); err != nil {
		return domainauth.Identity{}, fmt.Errorf("oidc: decode claims: %w", err)
	}

	identity := claims.identity()
	identity.ExpiresAt = token.Expiry
	if identity.ExpiresAt.IsZero() {
		identity.ExpiresAt = idToken.Expiry
	}

	// Some providers keep profile claims off the ID token; fall back to the
	// userinfo endpoint for the missing pieces.
	if identity.UserID == "" || identity.Email == "" || len(identity.Groups) == 0 {
		p.fillFromUserInfo(ctx, token, &identity)
	}
	if identity.UserID == "" {
		return domainauth.Identity{}, errors.New("oidc: no usable subject claim")
	}
	return identity, nil
}

func (p *Provider) fillFromUserInfo(ctx context.Context, token *oauth2.Token, identity *domainauth.Identity) {
	info, err := p.remote.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return
	}
	var claims identityClaims
	if err := info.Claims(&claims); err != nil {
		return
	}
	extra := claims.identity()
	if identity.UserID == "" {
		identity.UserID = extra.UserID
	}
	if identity.Email == "" {
		identity.Email = extra.Email
	}
	if identity.FirstName == "" {
		identity.FirstName = extra.FirstName
	}
	if identity.LastName == "" {
		identity.LastName = extra.LastName
	}
	if len(identity.Groups) == 0 {
		identity.Groups = extra.Groups
	}
}

// identityClaims covers both standard OIDC profile claims and the AD/ADFS
// shapes some corporate providers emit.
type identityClaims struct {
	Sub            string   `json:"sub"`
	SamAccountName string   `json:"samaccountname"`
	Email          string   `json:"email"`
	Mail           string   `json:"mail"`
	GivenName      string   `json:"given_name"`
	FirstName      string   `json:"firstname"`
	FamilyName     string   `json:"family_name"`
	LastName       string   `json:"lastname"`
	Groups         []string `json:"groups"`
	MemberOf       []string `json:"memberof"`
}

func (c identityClaims) identity() domainauth.Identity {
	groups := c.Groups
	if len(groups) == 0 {
		groups = c.MemberOf
	}
	return domainauth.Identity{
		UserID:    coalesce(c.SamAccountName, c.Sub),
		Email:     coalesce(c.Email, c.Mail),
		FirstName: coalesce(c.GivenName, c.FirstName),
		LastName:  coalesce(c.FamilyName, c.LastName),
		Groups:    groups,
	}
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// issuerFromURL strips a discovery-document suffix so callers may configure
// either form.
func issuerFromURL(u string) string {
	u = strings.TrimSuffix(u, "/.well-known/openid-configuration")
	return strings.TrimSuffix(u, "/")
}

// randomToken returns a URL-safe random string for state and nonce values.
func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var _ ports.AuthProvider = (*Provider)(nil)
