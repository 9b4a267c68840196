package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
)

const sinkQueueSize = 1024

// Sink records events into the store from a background goroutine so
// emitters are never slowed down by disk or SQL. When its queue is full,
// output events are dropped and counted. Status updates are never dropped:
// their emitter waits for room instead.
type Sink struct {
	store   *SQLiteStore
	queue   chan sinkItem
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type sinkItem struct {
	event *events.Event
	ack   chan struct{}
}

// NewSink starts a Sink writing into s.
func NewSink(s *SQLiteStore) *Sink {
	sink := newSink(s, sinkQueueSize)
	go sink.run()
	return sink
}

func newSink(s *SQLiteStore, size int) *Sink {
	return &Sink{
		store: s,
		queue: make(chan sinkItem, size),
		done:  make(chan struct{}),
	}
}

// Emit queues e for recording. Events emitted after Close are dropped.
func (k *Sink) Emit(e events.Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	item := sinkItem{event: &e}
	if e.Type == events.TypeSessionUpdate {
		k.queue <- item
		return
	}
	select {
	case k.queue <- item:
	default:
		k.dropped.Add(1)
	}
}

// Flush blocks until every event queued before the call is recorded.
func (k *Sink) Flush() {
	k.mu.RLock()
	if k.closed {
		k.mu.RUnlock()
		return
	}
	ack := make(chan struct{})
	k.queue <- sinkItem{ack: ack}
	k.mu.RUnlock()
	<-ack
}

// Dropped returns how many events were discarded because the queue was full.
func (k *Sink) Dropped() int64 {
	return k.dropped.Load()
}

// Close records what is queued and stops the goroutine.
func (k *Sink) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		<-k.done
		return
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()
	<-k.done
}

func (k *Sink) run() {
	defer close(k.done)
	for item := range k.queue {
		if item.ack != nil {
			close(item.ack)
			continue
		}
		k.record(*item.event)
	}
}

func (k *Sink) record(e events.Event) {
	var err error
	switch e.Type {
	case events.TypeSessionUpdate:
		if e.RunID == "" {
			return
		}
		err = k.store.SaveRun(runFromUpdate(e))
	case events.TypeRunOutput, events.TypeCodexEvent:
		if e.SessionID == "" {
			return
		}
		err = k.store.AppendEvent(e)
	}
	if err != nil {
		k.store.log.WithError(err).WithField("type", e.Type).Warn("Failed to record event")
	}
}

func runFromUpdate(e events.Event) *Run {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	run := &Run{
		RunID:     e.RunID,
		SessionID: e.SessionID,
		RepoPath:  e.RepoPath,
		Pid:       e.Pid,
		Status:    e.Status,
		StartedAt: ts,
		UpdatedAt: ts,
		ExitCode:  e.LastExitCode,
		Error:     e.Error,
	}
	if e.LastSignal != nil {
		run.Signal = *e.LastSignal
	}
	return run
}
