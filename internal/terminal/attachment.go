package terminal

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// Attachment is one viewer's handle on a shared shell.
type Attachment struct {
	hub  *Hub
	sess *Session
	conn Conn

	once sync.Once
}

// Key returns the session key the viewer is attached to.
func (a *Attachment) Key() string { return a.sess.key }

type controlMessage struct {
	Type string `json:"type"`
	Cols any    `json:"cols"`
	Rows any    `json:"rows"`
}

// HandleMessage dispatches one inbound frame. Binary frames are always
// input. A text frame that parses as {"type":"resize"} resizes the shell
// (ignored unless both dimensions are valid); any other text is input.
func (a *Attachment) HandleMessage(data []byte, binary bool) error {
	a.sess.touch(a.hub.clock.Now())

	if !binary && len(data) > 0 && data[0] == '{' {
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "resize" {
			cols, okCols := dimension(msg.Cols)
			rows, okRows := dimension(msg.Rows)
			if okCols && okRows {
				a.sess.proc.Resize(cols, rows)
			}
			return nil
		}
	}

	_, err := a.sess.proc.Write(data)
	return err
}

// Detach removes the viewer. It is safe to call more than once.
func (a *Attachment) Detach() {
	a.once.Do(func() { a.hub.detach(a.sess, a.conn) })
}

// dimension accepts a JSON number or a numeric string. Fractions are
// truncated; anything else is rejected.
func dimension(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case string:
		s := strings.TrimSpace(val)
		if i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }); i > 0 {
			s = s[:i]
		}
		n, err := strconv.Atoi(s)
		return n, err == nil
	default:
		return 0, false
	}
}
