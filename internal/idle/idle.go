// Package idle evicts sessions nobody is watching.
//
// A Reaper holds at most one pending eviction timer per key. Callers arm
// the timer when the last viewer leaves and cancel it when a viewer
// arrives; if the timer fires, the eviction callback decides whether the
// session is still unattended and tears it down.
package idle

import (
	"sync"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
)

// Reaper schedules per-key eviction callbacks.
type Reaper struct {
	clock   clock.Clock
	timeout time.Duration
	onEvict func(key string)

	mu     sync.Mutex
	timers map[string]*entry
}

type entry struct {
	timer *clock.Timer
}

// New creates a Reaper that calls onEvict(key) once a key has been armed
// for timeout without being cancelled. A non-positive timeout disables
// eviction entirely.
func New(c clock.Clock, timeout time.Duration, onEvict func(key string)) *Reaper {
	if c == nil {
		c = clock.Real()
	}
	return &Reaper{
		clock:   c,
		timeout: timeout,
		onEvict: onEvict,
		timers:  make(map[string]*entry),
	}
}

// Enabled reports whether Arm schedules anything.
func (r *Reaper) Enabled() bool {
	return r.timeout > 0
}

// Arm (re)starts the eviction timer for key, replacing any pending one.
func (r *Reaper) Arm(key string) {
	if !r.Enabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[key]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = r.clock.AfterFunc(r.timeout, func() { r.fire(key, e) })
	r.timers[key] = e
}

func (r *Reaper) fire(key string, e *entry) {
	r.mu.Lock()
	if r.timers[key] != e {
		// Re-armed or cancelled after this timer was already due.
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)
	r.mu.Unlock()

	if r.onEvict != nil {
		r.onEvict(key)
	}
}

// Cancel stops the pending timer for key. It reports whether one was pending.
func (r *Reaper) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, key)
	return true
}

// Pending reports whether key has an armed timer.
func (r *Reaper) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key]
	return ok
}

// Close cancels every pending timer.
func (r *Reaper) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, key)
	}
}
