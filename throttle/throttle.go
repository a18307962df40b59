// Package throttle runs an action at most once per fixed interval.
package throttle

import "time"

// Throttle admits a call only when at least Interval has elapsed since the last
// admitted call. Calls arriving inside the interval are dropped, never queued.
//
// The last call is initialised to the construction time, so a call arriving
// within the first interval is suppressed.
//
// A Throttle is not safe for concurrent use; callers sharing one must
// synchronise externally.
type Throttle struct {
	interval time.Duration
	last     time.Time
}

// New returns a throttle whose first admission happens no earlier than
// now+interval. A non-positive interval admits every call.
func New(interval time.Duration, now time.Time) *Throttle {
	return &Throttle{interval: interval, last: now}
}

// Allow reports whether a call at now is admitted, and records it if so.
func (t *Throttle) Allow(now time.Time) bool {
	if t.interval > 0 && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
