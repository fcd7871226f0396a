package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// IOCType categorizes indicators of compromise.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type IOCType string

const (
	// IOCTypeFQDN matches a hostname and all of its subdomains.
	IOCTypeFQDN IOCType = "fqdn"
	// IOCTypeIP matches an exact IP address.
	IOCTypeIP IOCType = "ip"
	// IOCTypeLiteral matches an exact string.
	IOCTypeLiteral IOCType = "literal"
)

// Valid returns true if the IOCType is known.
func (t IOCType) Valid() bool {
	return t == IOCTypeFQDN || t == IOCTypeIP || t == IOCTypeLiteral
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *IOCType) UnmarshalText(text []byte) error {
	v := IOCType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid IOCType: %q", v)
	}
	*t = v
	return nil
}

// IOC is a known-bad indicator. (type, value) is unique among enabled rows.
type IOC struct {
	ID        string    `json:"id"         db:"id"`
	Type      IOCType   `json:"type"       db:"type"`
	Value     string    `json:"value"      db:"value"`
	Enabled   bool      `json:"enabled"    db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CreateIOCRequest holds the fields required to register an indicator.
type CreateIOCRequest struct {
	Type    IOCType `json:"type"`
	Value   string  `json:"value"`
	Enabled bool    `json:"enabled"`
}

// Validate validates and normalizes the request value in place.
func (r *CreateIOCRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid ioc type")
	}
	r.Value = NormalizeHost(r.Value)
	if r.Value == "" {
		return errors.New("value is required")
	}
	if r.Type == IOCTypeIP && net.ParseIP(r.Value) == nil {
		return fmt.Errorf("invalid ip value: %q", r.Value)
	}
	return nil
}

// NormalizeHost lower-cases and trims a hostname for comparison. A trailing
// dot (FQDN root form) is removed.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(h, ".")
}

// MatchesHost reports whether the indicator matches the (normalized) host.
// FQDN indicators match the host itself and any subdomain of it.
func (i *IOC) MatchesHost(host string) bool {
	if i == nil || !i.Enabled {
		return false
	}
	host = NormalizeHost(host)
	value := NormalizeHost(i.Value)
	switch i.Type {
	case IOCTypeFQDN:
		return host == value || strings.HasSuffix(host, "."+value)
	case IOCTypeIP, IOCTypeLiteral:
		return host == value
	default:
		return false
	}
}
