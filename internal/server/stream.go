package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
)

// streamBufferSize is how many envelopes a stream client may lag behind
// before further envelopes are dropped for that client.
const streamBufferSize = 256

// Emit publishes e to every connected stream client. It never blocks on a
// slow client.
func (s *Server) Emit(e events.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.WithError(err).WithField("type", e.Type).Warn("Failed to encode event")
		return
	}
	msg := &sse.Message{}
	msg.AppendData(string(body))
	if err := s.provider.Publish(msg, []string{streamTopic}); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		s.log.WithError(err).Debug("Publish failed")
	}
}

// channelWriter hands messages from the provider to the stream handler
// without blocking the provider. A full channel drops the message for this
// client only; returning an error would make the provider unsubscribe it.
type channelWriter struct {
	ch chan *sse.Message
}

func (w *channelWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
	default:
	}
	return nil
}

func (w *channelWriter) Flush() error {
	return nil
}

// handleStream serves GET /api/stream: one data line per envelope and a
// heartbeat comment at every interval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	hello := &sse.Message{}
	hello.AppendComment("connected")
	if err := sess.Send(hello); err != nil {
		return
	}
	_ = sess.Flush()

	s.mu.Lock()
	s.subscribers++
	count := s.subscribers
	s.mu.Unlock()
	s.log.WithField("subscribers", count).Debug("Stream client connected")

	writer := &channelWriter{ch: make(chan *sse.Message, streamBufferSize)}
	ctx, cancel := context.WithCancel(r.Context())

	defer func() {
		cancel()
		s.mu.Lock()
		s.subscribers--
		count := s.subscribers
		s.mu.Unlock()
		s.log.WithField("subscribers", count).Debug("Stream client disconnected")
	}()

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.provider.Subscribe(ctx, sse.Subscription{
			Client: writer,
			Topics: []string{streamTopic},
		})
	}()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-subscribeErr:
			return
		case msg := <-writer.ch:
			if err := sess.Send(msg); err != nil {
				return
			}
			_ = sess.Flush()
		case <-heartbeat.C:
			beat := &sse.Message{}
			beat.AppendComment("heartbeat")
			if err := sess.Send(beat); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}
