// Package events defines the envelope every lifecycle and output
// notification travels in, and the Emitter interface producers publish to.
//
// Emitters are invoked synchronously. They perform no buffering or retry;
// a sink that needs either (the SSE stream, the run ledger) owns it.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeSessionUpdate = "session.update"
	TypeRunStatus     = "run.status"
	TypeRunOutput     = "run.output"
	TypeCodexEvent    = "codex.event"
)

// OutputEntry is the body of a run.output event.
type OutputEntry struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Event is the normalized envelope. Fields that do not apply to a given
// Type are left zero and omitted from JSON.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`

	// session.update and run.status
	Status       string  `json:"status,omitempty"`
	TaskCount    *int    `json:"taskCount,omitempty"`
	LastExitCode *int    `json:"lastExitCode,omitempty"`
	LastSignal   *string `json:"lastSignal,omitempty"`
	Error        string  `json:"error,omitempty"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
	RepoPath     string  `json:"repoPath,omitempty"`
	Pid          int     `json:"pid,omitempty"`

	// run.output
	Entry *OutputEntry `json:"entry,omitempty"`

	// codex.event
	EventType string `json:"eventType,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Emitter accepts events. Implementations must not call back into the
// component that emitted the event.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Timestamp formats t the way every envelope carries time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Output builds a run.output envelope for a chunk of process output.
func Output(sessionID, runID, chunk string, at time.Time) Event {
	ts := Timestamp(at)
	return Event{
		Type:      TypeRunOutput,
		SessionID: sessionID,
		RunID:     runID,
		Entry: &OutputEntry{
			Type:      "log",
			Level:     "info",
			Message:   chunk,
			Timestamp: ts,
		},
		Timestamp: ts,
	}
}

// Bus delivers each event to every registered sink in registration order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Emitter
}

// NewBus creates a bus with the given initial sinks.
func NewBus(sinks ...Emitter) *Bus {
	return &Bus{sinks: append([]Emitter(nil), sinks...)}
}

// Add registers another sink.
func (b *Bus) Add(sink Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Emit forwards e to every sink.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink.Emit(e)
	}
}

// Recorder keeps every event it receives. It is used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until match returns true for some recorded event or the
// timeout elapses. It reports whether a match was found.
func (r *Recorder) WaitFor(timeout time.Duration, match func(Event) bool) bool {
	deadline := time.After(timeout)
	for {
		for _, e := range r.Events() {
			if match(e) {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			return false
		}
	}
}
