package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSendQueueSize = 256
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsMaxMessage    = 1 << 20
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// wsConn adapts a websocket to terminal.Conn. Send only enqueues; a single
// writePump goroutine owns every write to the socket.
type wsConn struct {
	ws       *websocket.Conn
	send     chan []byte
	buffered atomic.Int64
	closed   atomic.Bool

	closeOnce  sync.Once
	done       chan struct{}
	closeFrame []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, wsSendQueueSize),
		done: make(chan struct{}),
	}
}

// Open reports whether the connection still accepts data.
func (c *wsConn) Open() bool {
	return !c.closed.Load()
}

// BufferedAmount reports bytes queued but not yet written to the socket.
func (c *wsConn) BufferedAmount() int {
	return int(c.buffered.Load())
}

// Send queues data for the write pump.
func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.buffered.Add(int64(len(data)))
	select {
	case c.send <- data:
		return nil
	default:
		c.buffered.Add(-int64(len(data)))
		return errSendQueueFull
	}
}

// Close asks the write pump to send a close frame and shut the socket.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
	return nil
}

// writePump writes queued output and pings until the connection closes.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage, c.closeFrame, time.Now().Add(wsWriteWait))
			return

		case data := <-c.send:
			c.buffered.Add(-int64(len(data)))
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// drain writes whatever was queued before Close so the last output of an
// exiting shell still reaches the viewer.
func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.send:
			c.buffered.Add(-int64(len(data)))
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
