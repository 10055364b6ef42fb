// Package clock abstracts the time source used for polling cadence and lock
// timestamps so both can be driven by tests.
package clock

import "time"

// Clock is the time source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After is time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
