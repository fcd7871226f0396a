package model

import (
	"errors"
	"strings"
	"time"
)

// Site is a URL registered for scanning on a cadence.
type Site struct {
	ID        string        `json:"id"         db:"id"`
	Name      string        `json:"name"       db:"name"`
	URL       string        `json:"url"        db:"url"`
	SourceID  *string       `json:"source_id"  db:"source_id"`
	Interval  time.Duration `json:"interval"   db:"run_every_seconds"`
	Enabled   bool          `json:"enabled"    db:"enabled"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// CreateSiteRequest holds the fields to register a site.
type CreateSiteRequest struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	SourceID *string       `json:"source_id,omitempty"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`
}

// Validate validates the CreateSiteRequest fields.
func (r *CreateSiteRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required")
	}
	if r.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// Source is a scripted browser recipe executed by scanner workers.
type Source struct {
	ID        string    `json:"id"         db:"id"`
	Name      string    `json:"name"       db:"name"`
	Script    string    `json:"script"     db:"script"`
	IsTest    bool      `json:"is_test"    db:"is_test"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CreateSourceRequest holds the fields to register a source.
type CreateSourceRequest struct {
	Name   string `json:"name"`
	Script string `json:"script"`
	IsTest bool   `json:"is_test,omitempty"`
}

// Validate validates the CreateSourceRequest fields.
func (r *CreateSourceRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Script) == "" {
		return errors.New("script is required")
	}
	return nil
}
