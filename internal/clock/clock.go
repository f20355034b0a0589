// Package clock abstracts time so that coordination timers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source injected into every component that schedules work.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) or synchronously
	// inside Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the callback from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Reset reschedules the callback to fire after d.
func (t *Timer) Reset(d time.Duration) bool {
	if t == nil || t.resetFunc == nil {
		return false
	}
	return t.resetFunc(d)
}
