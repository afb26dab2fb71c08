package signaling

import "time"

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns time.Now().
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
