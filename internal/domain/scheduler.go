// Package domain contains scheduling entities and policy for the merrymaker
// control plane. It is pure and free of storage concerns.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduledTask is a recurring task that the scheduler turns into jobs.
type ScheduledTask struct {
	ID       string          `json:"id"`
	TaskName string          `json:"task_name"`
	Payload  json.RawMessage `json:"payload"`
	// Interval is the scheduling cadence. Sub-second precision is not
	// supported; fire keys are computed on whole seconds.
	Interval     time.Duration `json:"interval"`
	LastQueuedAt *time.Time    `json:"last_queued_at,omitempty"`
	// ActiveFireKey tracks the most recent in-flight fire, if any.
	ActiveFireKey      *string    `json:"active_fire_key,omitempty"`
	ActiveFireKeySetAt *time.Time `json:"active_fire_key_set_at,omitempty"`
	// OverrunPolicy overrides the global default when set.
	OverrunPolicy *OverrunPolicy `json:"overrun_policy,omitempty"`
	// OverrunStates defines which job states block new enqueue attempts.
	OverrunStates *OverrunStateMask `json:"overrun_states,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Due reports whether the task should fire: last_queued_at is unset, or
// last_queued_at + interval has passed.
func (t ScheduledTask) Due(now time.Time) bool {
	if t.Interval <= 0 {
		return false
	}
	if t.LastQueuedAt == nil {
		return true
	}
	return !t.LastQueuedAt.Add(t.Interval).After(now)
}

// FireKey computes the deterministic identifier of the task's current
// scheduling slot: taskID + ":" + floor(now_unix / interval_seconds).
//
// Two scheduler replicas waking in the same slot compute the same key, so the
// job store's idempotency-key uniqueness lets exactly one of them enqueue.
func (t ScheduledTask) FireKey(now time.Time) string {
	intervalSeconds := int64(t.Interval / time.Second)
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	slot := now.Unix() / intervalSeconds
	return t.ID + ":" + strconv.FormatInt(slot, 10)
}

// OverrunPolicy defines how the scheduler handles a fire that arrives while a
// previous fire is still outstanding.
type OverrunPolicy string

const (
	// OverrunPolicySkip skips enqueueing while a blocking job exists or the
	// slot's fire key is already active.
	OverrunPolicySkip OverrunPolicy = "skip"
	// OverrunPolicyQueue always enqueues; fire keys may coexist.
	OverrunPolicyQueue OverrunPolicy = "queue"
	// OverrunPolicyReschedule advances last_queued_at without enqueueing.
	OverrunPolicyReschedule OverrunPolicy = "reschedule"
)

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (p *OverrunPolicy) UnmarshalText(text []byte) error {
	v := OverrunPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case OverrunPolicySkip, OverrunPolicyQueue, OverrunPolicyReschedule:
		*p = v
		return nil
	default:
		return fmt.Errorf("invalid OverrunPolicy: %q", v)
	}
}

// OverrunStateMask controls which job states block enqueueing under the Skip
// policy.
type OverrunStateMask uint8

const (
	// OverrunStateActive blocks when an in-progress job with a live lease exists.
	OverrunStateActive OverrunStateMask = 1 << iota
	// OverrunStatePending blocks when a pending job exists.
	OverrunStatePending
	// OverrunStateRetrying blocks when a pending job with attempts > 0 exists.
	OverrunStateRetrying
)

// OverrunStatesDefault blocks on both pending and active jobs.
const OverrunStatesDefault = OverrunStatePending | OverrunStateActive

// Has reports whether the mask includes the provided flag.
func (m *OverrunStateMask) Has(flag OverrunStateMask) bool {
	if m == nil {
		return false
	}
	return (*m)&flag != 0
}

// String returns a stable comma-separated representation of the mask.
func (m *OverrunStateMask) String() string {
	if m == nil || *m == 0 {
		return ""
	}
	var parts []string
	for _, entry := range []struct {
		name string
		flag OverrunStateMask
	}{
		{"active", OverrunStateActive},
		{"pending", OverrunStatePending},
		{"retrying", OverrunStateRetrying},
	} {
		if *m&entry.flag != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseOverrunStateMask parses a comma-separated list of state names.
func ParseOverrunStateMask(v string) (OverrunStateMask, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	var mask OverrunStateMask
	for _, part := range strings.Split(v, ",") {
		switch name := strings.ToLower(strings.TrimSpace(part)); name {
		case "active":
			mask |= OverrunStateActive
		case "pending":
			mask |= OverrunStatePending
		case "retrying":
			mask |= OverrunStateRetrying
		default:
			return 0, fmt.Errorf("invalid overrun state: %q", name)
		}
	}
	return mask, nil
}

// MarshalText implements encoding.TextMarshaler.
func (m *OverrunStateMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *OverrunStateMask) UnmarshalText(text []byte) error {
	mask, err := ParseOverrunStateMask(string(text))
	if err != nil {
		return err
	}
	*m = mask
	return nil
}

// MarkQueuedParams holds inputs for advancing last_queued_at.
type MarkQueuedParams struct {
	ID  string
	Now time.Time
}

// UpdateActiveFireKeyParams updates the outstanding fire key for a task.
// FireKey=nil clears the active key.
type UpdateActiveFireKeyParams struct {
	ID      string
	FireKey *string
	SetAt   time.Time
}

// UpsertTaskParams holds parameters for registering a scheduled task by name.
type UpsertTaskParams struct {
	TaskName string
	Payload  json.RawMessage
	Interval time.Duration
	// Optional overrides; nil applies global defaults.
	OverrunPolicy *OverrunPolicy
	OverrunStates *OverrunStateMask
}
