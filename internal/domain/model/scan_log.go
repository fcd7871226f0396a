package model

import (
	"encoding/json"
	"time"
)

// ScanLogEntry enumerates the entry kinds a scan log row can carry. Entries
// mirror scan event types plus the rule-alert marker produced by rule jobs.
type ScanLogEntry string

const (
	ScanLogLogMessage ScanLogEntry = "log-message"
	ScanLogScreenshot ScanLogEntry = "screenshot"
	ScanLogComplete   ScanLogEntry = "complete"
	ScanLogError      ScanLogEntry = "error"
	ScanLogRuleAlert  ScanLogEntry = "rule-alert"
)

// ScanLog is an append-only record of an observed scan event.
type ScanLog struct {
	ID        string          `json:"id"         db:"id"`
	ScanID    string          `json:"scan_id"    db:"scan_id"`
	Entry     ScanLogEntry    `json:"entry"      db:"entry"`
	Level     string          `json:"level"      db:"level"`
	Event     json.RawMessage `json:"event"      db:"event"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CreateScanLogRequest is one row of a batched scan-log insert.
type CreateScanLogRequest struct {
	ScanID string          `json:"scan_id"`
	Entry  ScanLogEntry    `json:"entry"`
	Level  string          `json:"level"`
	Event  json.RawMessage `json:"event"`
}

// EntryForEventType maps a scan event type onto the scan-log entry recorded
// for it. Event types without a dedicated entry are stored as log messages.
func EntryForEventType(t ScanEventType) ScanLogEntry {
	switch t {
	case ScanEventScreenshot:
		return ScanLogScreenshot
	case ScanEventComplete:
		return ScanLogComplete
	case ScanEventError:
		return ScanLogError
	case ScanEventRuleAlert:
		return ScanLogRuleAlert
	default:
		return ScanLogLogMessage
	}
}
