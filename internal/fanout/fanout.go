// Package fanout delivers one producer's output to many terminal viewers.
//
// Each viewer gets its own queue. Writes append to every queue and arm a
// flush for that viewer if none is pending; when the flush window ends the
// whole queue goes out as a single message. Delivery is lossy on purpose:
// a closed viewer or one whose send backlog is over the ceiling has its
// queue discarded instead of growing it.
package fanout

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
)

// Defaults used when New is given non-positive values.
const (
	DefaultFlushInterval = 33 * time.Millisecond
	DefaultMaxBuffered   = 2_000_000
)

// Transport is the viewer side of a subscription.
//
// Send is called with the buffer's lock held and must not block; the
// websocket connection implementation only enqueues.
type Transport interface {
	// Open reports whether the transport can currently accept data.
	Open() bool
	// BufferedAmount reports bytes accepted by Send but not yet written.
	BufferedAmount() int
	// Send hands one message to the transport.
	Send(data []byte) error
}

type subscriber struct {
	transport    Transport
	queue        []byte
	flushPending bool
	timer        *clock.Timer
}

// Stats counts what happened to queued output.
type Stats struct {
	Flushes       int
	BytesSent     int
	DroppedClosed int
	DroppedSlow   int
}

// Buffer fans output out to attached transports.
type Buffer struct {
	clock       clock.Clock
	interval    time.Duration
	maxBuffered int
	log         *logrus.Entry

	mu    sync.Mutex
	subs  map[Transport]*subscriber
	stats Stats
}

// New creates a Buffer. interval is the flush window and maxBuffered the
// backlog ceiling in bytes.
func New(c clock.Clock, interval time.Duration, maxBuffered int) *Buffer {
	if c == nil {
		c = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Buffer{
		clock:       c,
		interval:    interval,
		maxBuffered: maxBuffered,
		log:         logging.NewLogger("fanout"),
		subs:        make(map[Transport]*subscriber),
	}
}

// Attach adds a transport. Attaching an already attached transport is a
// no-op. It returns the subscriber count after the call.
func (b *Buffer) Attach(t Transport) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[t]; !ok {
		b.subs[t] = &subscriber{transport: t}
	}
	return len(b.subs)
}

// Detach removes a transport, discarding its pending output, and returns
// the number of subscribers left.
func (b *Buffer) Detach(t Transport) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[t]; ok {
		sub.timer.Stop()
		delete(b.subs, t)
	}
	return len(b.subs)
}

// Len returns the number of attached transports.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Transports returns the attached transports in no particular order.
func (b *Buffer) Transports() []Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transport, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	return out
}

// Write queues chunk for every subscriber.
func (b *Buffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.queue = append(sub.queue, chunk...)
		if !sub.flushPending {
			sub.flushPending = true
			s := sub
			sub.timer = b.clock.AfterFunc(b.interval, func() { b.flush(s) })
		}
	}
}

// WriteString is Write for text.
func (b *Buffer) WriteString(chunk string) {
	b.Write([]byte(chunk))
}

func (b *Buffer) flush(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.flushPending = false
	sub.timer = nil
	if b.subs[sub.transport] != sub || len(sub.queue) == 0 {
		return
	}

	t := sub.transport
	if !t.Open() {
		b.stats.DroppedClosed += len(sub.queue)
		sub.queue = nil
		return
	}
	if backlog := t.BufferedAmount(); backlog > b.maxBuffered {
		b.log.WithFields(logrus.Fields{
			"backlog": humanize.Bytes(uint64(backlog)),
			"dropped": humanize.Bytes(uint64(len(sub.queue))),
		}).Warn("Viewer is behind, dropping flush window")
		b.stats.DroppedSlow += len(sub.queue)
		sub.queue = nil
		return
	}

	data := sub.queue
	sub.queue = nil
	if err := t.Send(data); err != nil {
		b.log.WithError(err).Debug("Send failed, output dropped")
		b.stats.DroppedClosed += len(data)
		return
	}
	b.stats.Flushes++
	b.stats.BytesSent += len(data)
}

// Stats returns delivery counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close cancels pending flushes and detaches everyone.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, sub := range b.subs {
		sub.timer.Stop()
		delete(b.subs, t)
	}
}
