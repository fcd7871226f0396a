package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// AlertDeliveryStatus tracks the outcome of dispatching an alert to sinks.
type AlertDeliveryStatus string

const (
	AlertDeliveryPending   AlertDeliveryStatus = "pending"
	AlertDeliveryDelivered AlertDeliveryStatus = "delivered"
	AlertDeliveryFailed    AlertDeliveryStatus = "failed"
)

// Alert is a persisted rule match awaiting (or past) dispatch to sinks.
type Alert struct {
	ID               string              `json:"id"                db:"id"`
	Rule             string              `json:"rule"              db:"rule"`
	ScanID           string              `json:"scan_id"           db:"scan_id"`
	SiteID           *string             `json:"site_id"           db:"site_id"`
	Message          string              `json:"message"           db:"message"`
	Context          json.RawMessage     `json:"context"           db:"context"`
	DeliveryStatus   AlertDeliveryStatus `json:"delivery_status"   db:"delivery_status"`
	DeliveryDetail   *string             `json:"delivery_detail"   db:"delivery_detail"`
	DeliveryAttempts int                 `json:"delivery_attempts" db:"delivery_attempts"`
	ResolvedAt       *time.Time          `json:"resolved_at"       db:"resolved_at"`
	CreatedAt        time.Time           `json:"created_at"        db:"created_at"`
}

// CreateAlertRequest holds the fields required to persist an alert.
type CreateAlertRequest struct {
	Rule    string          `json:"rule"`
	ScanID  string          `json:"scan_id"`
	SiteID  *string         `json:"site_id,omitempty"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Validate validates the CreateAlertRequest fields.
func (r *CreateAlertRequest) Validate() error {
	if strings.TrimSpace(r.Rule) == "" {
		return errors.New("rule is required")
	}
	if strings.TrimSpace(r.ScanID) == "" {
		return errors.New("scan_id is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

// AlertV1 is the versioned alert payload written to external sinks.
type AlertV1 struct {
	Rule        string `json:"rule"`
	Level       string `json:"level"`
	Description string `json:"description"`
	ScanURL     string `json:"scanUrl,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}
