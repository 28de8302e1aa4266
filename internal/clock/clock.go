// Package clock abstracts wall-clock access so cadence logic stays testable.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock. Timestamps are normalized to UTC so cadence
// comparisons against persisted scheduler timestamps stay stable across
// restarts.
type System struct{}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}
