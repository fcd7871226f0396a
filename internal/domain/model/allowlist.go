package model

import (
	"errors"
	"strings"
	"time"
)

// AllowListType scopes an allow-list key to the rule family that consults it.
type AllowListType string

const (
	// AllowListFQDN keys are hostnames exempt from the IOC and unknown-domain rules.
	AllowListFQDN AllowListType = "fqdn"
	// AllowListLiteral keys are exact strings exempt from literal matching.
	AllowListLiteral AllowListType = "literal"
)

// AllowList is an entry exempting a key from alerting. (type, key) is unique.
type AllowList struct {
	ID        string        `json:"id"         db:"id"`
	Type      AllowListType `json:"type"       db:"type"`
	Key       string        `json:"key"        db:"key"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// CreateAllowListRequest holds the fields to register an allow-list entry.
type CreateAllowListRequest struct {
	Type AllowListType `json:"type"`
	Key  string        `json:"key"`
}

// Validate validates and normalizes the request key in place.
func (r *CreateAllowListRequest) Validate() error {
	if r.Type != AllowListFQDN && r.Type != AllowListLiteral {
		return errors.New("invalid allow list type")
	}
	r.Key = NormalizeHost(r.Key)
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("key is required")
	}
	return nil
}
