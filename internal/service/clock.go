package service

import "time"

// Clock is the single source of "now" for the circulation engine, so tests
// can simulate the offer and reminder thresholds without waiting.
type Clock interface {
	Now() time.Time
}

// RealClock returns the wall-clock time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
