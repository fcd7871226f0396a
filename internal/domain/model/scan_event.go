package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ScanEventType enumerates the browser-level events the pipeline understands.
type ScanEventType string

const (
	ScanEventWebRequest ScanEventType = "web-request"
	ScanEventJSCall     ScanEventType = "js-call"
	ScanEventCookie     ScanEventType = "cookie"
	ScanEventConsole    ScanEventType = "console"
	ScanEventScreenshot ScanEventType = "screenshot"
	ScanEventComplete   ScanEventType = "complete"
	ScanEventError      ScanEventType = "error"
	ScanEventRuleAlert  ScanEventType = "rule-alert"
)

// Known reports whether the event type is part of the wire contract. Unknown
// types are dropped by the pipeline with an unknown-event metric; they never
// fail the batch.
func (t ScanEventType) Known() bool {
	switch t {
	case ScanEventWebRequest, ScanEventJSCall, ScanEventCookie, ScanEventConsole,
		ScanEventScreenshot, ScanEventComplete, ScanEventError, ScanEventRuleAlert:
		return true
	}
	return false
}

// ScanEvent is the wire-level contract between the browser worker and the
// scan-event pipeline. Payload is type-specific JSON preserved opaquely so
// unknown fields survive round trips.
type ScanEvent struct {
	ScanID     string          `json:"scan_id"`
	Test       bool            `json:"test"`
	Type       ScanEventType   `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Validate checks the required wire fields. A missing or unknown type is not
// a validation failure here; the pipeline drops unknown types explicitly.
func (e *ScanEvent) Validate() error {
	if strings.TrimSpace(e.ScanID) == "" {
		return errors.New("scan_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// WebRequestPayload is the payload of a web-request event. The URL is the
// only field the IOC rule needs; everything else rides along opaquely.
type WebRequestPayload struct {
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`
	PageURL string `json:"page_url,omitempty"`
}
