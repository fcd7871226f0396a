package data

import "time"

// TimeProvider abstracts the clock so repositories can be tested against a
// controlled time.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider uses the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider returns a settable fixed time for tests.
type FixedTimeProvider struct {
	fixed time.Time
}

// NewFixedTimeProvider creates a FixedTimeProvider pinned to t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{fixed: t}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time { return f.fixed }

// Set pins a new time.
func (f *FixedTimeProvider) Set(t time.Time) { f.fixed = t }

// Advance moves the pinned time forward by d.
func (f *FixedTimeProvider) Advance(d time.Duration) { f.fixed = f.fixed.Add(d) }
