// Package clock abstracts the time operations used by the relay's timers
// (flush windows, idle eviction, sidecar restart delays, prompt injection)
// so tests can drive them deterministically.
//
// Production code injects Real(); tests inject Fake() and call Advance.
package clock

import "time"

// Clock is the subset of the time package the relay schedules against.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f after d and returns a Timer that can cancel
	// the pending call. Callers must pass d > 0 when holding a lock
	// that f also takes: the fake clock runs f synchronously for d <= 0.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending callback created by AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stopped
// the timer, false if it already fired or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
