package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yomogiu/codex-cli-renderer/internal/pty"
	"github.com/yomogiu/codex-cli-renderer/internal/terminal"
)

// handleTerminal upgrades a viewer and attaches it to the shell for the
// requested directory.
//
// Query parameters:
//   - repoPath (or repo): working directory; invalid or missing falls back
//     to the hub's default
//   - cols, rows: initial size for a new shell; non-positive or
//     non-numeric values fall back to 120x30
//   - token: shared secret, also accepted as a bearer or X-PTY-Token header
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Terminals == nil {
		http.Error(w, "Terminal channel disabled", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Terminal upgrade failed")
		return
	}

	auth := s.opts.Terminal
	origin := r.Header.Get("Origin")
	if !auth.allowedOrigin(origin) {
		s.log.WithField("origin", origin).Warn("Terminal connection rejected: origin not allowed")
		rejectWS(ws, "Origin not allowed")
		return
	}
	if !auth.validToken(extractToken(r)) {
		s.log.WithField("origin", origin).Warn("Terminal connection rejected: invalid token")
		rejectWS(ws, "Invalid token")
		return
	}

	q := r.URL.Query()
	repoPath := q.Get("repoPath")
	if repoPath == "" {
		repoPath = q.Get("repo")
	}
	cols := queryDimension(q.Get("cols"), pty.DefaultCols)
	rows := queryDimension(q.Get("rows"), pty.DefaultRows)

	conn := newWSConn(ws)
	go conn.writePump()

	att, err := s.opts.Terminals.Attach(repoPath, cols, rows, conn)
	if err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			s.log.WithError(err).Error("Failed to attach terminal viewer")
			conn.Close(websocket.CloseInternalServerErr, "Failed to start terminal")
		}
		return
	}

	s.readViewer(ws, att)
	conn.Close(terminal.CloseNormal, "")
}

// readViewer forwards viewer frames to the shell until the socket closes.
// Frames beyond the per-viewer rate are dropped.
func (s *Server) readViewer(ws *websocket.Conn, att *terminal.Attachment) {
	defer att.Detach()

	limiter := rate.NewLimiter(rate.Limit(s.opts.Terminal.InputRate), s.opts.Terminal.InputBurst)
	log := s.log.WithField("key", att.Key())

	ws.SetReadLimit(wsMaxMessage)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	dropped := 0
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Terminal read error")
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if !limiter.Allow() {
			dropped++
			continue
		}
		if err := att.HandleMessage(data, mt == websocket.BinaryMessage); err != nil {
			log.WithError(err).Debug("Terminal input failed")
		}
	}

	if dropped > 0 {
		log.WithFields(logrus.Fields{"dropped": dropped}).Warn("Terminal input rate limited")
	}
}

// rejectWS closes a freshly upgraded socket with a policy violation.
func rejectWS(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(terminal.ClosePolicy, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	ws.Close()
}

// queryDimension parses the leading digits of raw. Missing, non-numeric,
// zero, and out-of-range values yield def.
func queryDimension(raw string, def int) int {
	n := 0
	digits := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		digits++
		if n > 65535 {
			return def
		}
	}
	if digits == 0 || n <= 0 {
		return def
	}
	return n
}
