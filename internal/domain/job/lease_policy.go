// Package job holds queue-side policy shared by the job store and the
// runners: lease resolution and availability notification fan-out.
package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the policy default was applied.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the request was clamped to the supported range.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeaseDecision is the outcome of resolving a lease request. Leases are
// stored as whole seconds; Seconds is always at least 1.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// Duration returns the resolved lease as a time.Duration.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// UsedDefault reports whether the policy fell back to its default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the request was clamped.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// LeasePolicy normalises lease durations for reservations and heartbeats and
// derives the heartbeat cadence workers must sustain to keep a lease alive.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Resolve normalises the requested duration to a whole number of seconds.
// Zero requests take the default; negative or sub-second requests clamp to 1s.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	switch {
	case request > 0:
		seconds, clamped := wholeSeconds(request)
		decision.Seconds = seconds
		decision.Source = LeaseSourceExplicit
		if clamped {
			decision.Source = LeaseSourceClamped
		}
	case request == 0:
		seconds, _ := wholeSeconds(p.defaultLease)
		decision.Seconds = seconds
		decision.Source = LeaseSourceDefault
	default:
		decision.Seconds = 1
		decision.Source = LeaseSourceClamped
	}
	return decision
}

// HeartbeatEvery returns the interval at which a worker holding the given
// lease should heartbeat: a third of the lease, never below one second. The
// margin leaves two renewal chances before the reaper can reclaim the job.
func (p *LeasePolicy) HeartbeatEvery(lease time.Duration) time.Duration {
	if lease <= 0 {
		lease = p.Default()
	}
	interval := lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func wholeSeconds(d time.Duration) (int, bool) {
	seconds := int64(d / time.Second)
	clamped := false
	if seconds <= 0 {
		seconds = 1
		clamped = true
	}
	if seconds > int64(math.MaxInt) {
		seconds = int64(math.MaxInt)
		clamped = true
	}
	return int(seconds), clamped
}
