package model

import (
	"errors"
	"strings"
	"time"
)

// SeenStringRetentionDefault is how long a seen string suppresses repeat
// alerts before it ages out.
const SeenStringRetentionDefault = 180 * 24 * time.Hour

// SeenString records that a (rule, key) pair has already alerted, so repeat
// observations within the retention window are suppressed.
type SeenString struct {
	ID         string    `json:"id"          db:"id"`
	Type       string    `json:"type"        db:"type"`
	Key        string    `json:"key"         db:"key"`
	LastCached time.Time `json:"last_cached" db:"last_cached"`
}

// RecordSeenStringRequest upserts a seen string, touching last_cached.
type RecordSeenStringRequest struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Validate validates the request fields.
func (r *RecordSeenStringRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("type is required")
	}
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("key is required")
	}
	return nil
}
