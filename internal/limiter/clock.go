// Package limiter implements the multi-tier parallel-request and rate-limit
// gate: admission across per-minute scope counters, post-call
// reconciliation, and remaining-budget response headers.
package limiter

import "time"

// Clock supplies wall time. Tests substitute a fixed clock to pin the
// minute window.
type Clock interface {
	Now() time.Time
}

// realClock is the production clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

// PreciseMinute formats t as the minute bucket key segment, e.g.
// "2026-08-02-14-07". The minute roll is the window boundary for every
// per-minute counter.
func PreciseMinute(t time.Time) string {
	return t.Format("2006-01-02-15-04")
}

// SecondsToNextMinute returns the seconds from t until the next wall-clock
// minute boundary, in (0, 60]. A time exactly on a boundary yields a full 60.
func SecondsToNextMinute(t time.Time) float64 {
	next := t.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(t).Seconds()
}
