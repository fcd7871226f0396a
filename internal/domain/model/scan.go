package model

import "time"

// ScanState is the lifecycle state of a scan record.
//
// The browser worker and the queue both report scan progress, so the same
// transition can arrive more than once. Transitions are idempotent and
// ordered by Rank: last writer wins only when it outranks the current state.
type ScanState string

const (
	ScanStateQueued  ScanState = "queued"
	ScanStateActive  ScanState = "active"
	ScanStateDone    ScanState = "completed"
	ScanStateErrored ScanState = "errored"
)

// Rank orders scan states monotonically. A transition to a state with a rank
// lower than or equal to the current one is a no-op.
func (s ScanState) Rank() int {
	switch s {
	case ScanStateQueued:
		return 0
	case ScanStateActive:
		return 1
	case ScanStateDone, ScanStateErrored:
		return 2
	default:
		return -1
	}
}

// Scan tracks a single execution of a source against a site.
type Scan struct {
	ID        string     `json:"id"         db:"id"`
	SiteID    *string    `json:"site_id"    db:"site_id"`
	SourceID  *string    `json:"source_id"  db:"source_id"`
	State     ScanState  `json:"state"      db:"state"`
	IsTest    bool       `json:"is_test"    db:"is_test"`
	StartedAt *time.Time `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at"   db:"ended_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
