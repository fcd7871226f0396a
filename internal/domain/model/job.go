// Package model defines the core data types shared across the merrymaker
// control plane.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the type of job to be executed. Each type is drained by
// a dedicated runner; the type doubles as the notification channel suffix.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current state of a job in the queue state machine.
type JobStatus string

const (
	// JobTypeScan drives a browser worker against a site and emits scan events.
	JobTypeScan JobType = "scan"
	// JobTypeRules evaluates a single rule against a scan event.
	JobTypeRules JobType = "rules"
	// JobTypeAlert sends one alert through one sink.
	JobTypeAlert JobType = "alert"
	// JobTypeSecretRefresh refreshes an external secret.
	JobTypeSecretRefresh JobType = "secret-refresh"
	// JobTypePurgeDaily runs the daily retention purge.
	JobTypePurgeDaily JobType = "purge-daily"
	// JobTypePurgeHourly runs the hourly retention purge.
	JobTypePurgeHourly JobType = "purge-hourly"
	// JobTypeSeenStringPurge trims seen strings past their retention window.
	JobTypeSeenStringPurge JobType = "seen-string-purge"

	// JobStatusPending indicates the job is waiting to be reserved.
	JobStatusPending JobStatus = "pending"
	// JobStatusActive indicates a worker holds the lease and is processing.
	JobStatusActive JobStatus = "active"
	// JobStatusCompleted indicates the job finished successfully. Terminal.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its attempts. Terminal.
	JobStatusFailed JobStatus = "failed"
	// JobStatusExpired indicates the reaper gave up on a stale lease after
	// the job ran out of attempts. Terminal.
	JobStatusExpired JobStatus = "expired"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is one of the known queue types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeScan, JobTypeRules, JobTypeAlert, JobTypeSecretRefresh,
		JobTypePurgeDaily, JobTypePurgeHourly, JobTypeSeenStringPurge:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobType: %q", v)
	}
	*t = v
	return nil
}

// Valid returns true if the JobStatus is a known state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusActive, JobStatusCompleted, JobStatusFailed, JobStatusExpired:
		return true
	}
	return false
}

// Terminal reports whether the status is an end state of the job state machine.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusExpired
}

// Job is a row in the durable queue.
//
// Invariants maintained by the store: the idempotency key is unique across
// non-terminal jobs of a type; attempts never exceeds max_attempts in a
// terminal state; lease_until >= heartbeat_at while active.
type Job struct {
	ID             string          `json:"id"                          db:"id"`
	Type           JobType         `json:"type"                        db:"type"`
	Status         JobStatus       `json:"status"                      db:"status"`
	Priority       int             `json:"priority"                    db:"priority"`
	Payload        json.RawMessage `json:"payload"                     db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                    db:"metadata"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"   db:"idempotency_key"`
	ScanID         *string         `json:"scan_id,omitempty"           db:"scan_id"`
	SiteID         *string         `json:"site_id,omitempty"           db:"site_id"`
	IsTest         bool            `json:"is_test"                     db:"is_test"`
	AvailableAt    time.Time       `json:"available_at"                db:"available_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"        db:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"       db:"finished_at"`
	Attempts       int             `json:"attempts"                    db:"attempts"`
	MaxAttempts    int             `json:"max_attempts"                db:"max_attempts"`
	FailedReason   *string         `json:"failed_reason,omitempty"     db:"failed_reason"`
	WorkerID       *string         `json:"worker_id,omitempty"         db:"worker_id"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"       db:"lease_until"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"      db:"heartbeat_at"`
	CreatedAt      time.Time       `json:"created_at"                  db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                  db:"updated_at"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ScanID         *string         `json:"scan_id,omitempty"`
	SiteID         *string         `json:"site_id,omitempty"`
	IsTest         bool            `json:"is_test,omitempty"`
	AvailableAt    *time.Time      `json:"available_at,omitempty"`
	MaxAttempts    int             `json:"max_attempts"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if r.IdempotencyKey != nil && strings.TrimSpace(*r.IdempotencyKey) == "" {
		return errors.New("idempotency key must not be blank")
	}
	return nil
}

// CreateJobResult pairs the (possibly pre-existing) job with whether this call
// actually inserted a new row. Created=false means an idempotency-key
// collision resolved to the existing non-terminal job.
type CreateJobResult struct {
	Job     *Job
	Created bool
}

// JobStats summarizes queue depth per state for one job type.
type JobStats struct {
	Pending        int `json:"pending"`
	Active         int `json:"active"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Expired        int `json:"expired"`
	FailedLastHour int `json:"failed_last_hour"`
}

// JobResult is the append-only execution summary for a finished job attempt.
type JobResult struct {
	JobID      string          `json:"job_id"     db:"job_id"`
	JobType    JobType         `json:"job_type"   db:"job_type"`
	Outcome    string          `json:"outcome"    db:"outcome"`
	Payload    json.RawMessage `json:"payload"    db:"payload"`
	ProducedAt time.Time       `json:"produced_at" db:"produced_at"`
}
