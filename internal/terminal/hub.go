// Package terminal shares interactive shells between viewers.
//
// A Hub keeps one shell per working directory. Every viewer that connects
// for the same directory attaches to the same shell: it first receives the
// shell's recent scrollback, then live output through a fan-out buffer.
// When the last viewer leaves, an idle timer starts; if nobody returns
// before it fires, the shell is killed. When the shell exits by itself,
// every viewer is closed with 1000 "PTY exited".
package terminal

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	"github.com/yomogiu/codex-cli-renderer/internal/fanout"
	"github.com/yomogiu/codex-cli-renderer/internal/idle"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
	"github.com/yomogiu/codex-cli-renderer/internal/pty"
)

// Close codes sent to viewers.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008

	reasonExited   = "PTY exited"
	reasonShutdown = "Server shutting down"
)

// Conn is a viewer connection.
type Conn interface {
	fanout.Transport
	// Close ends the connection with a close code and reason.
	Close(code int, reason string) error
}

// Config controls the shells the hub spawns and how output reaches viewers.
type Config struct {
	Shell       string // Program to run; empty means $SHELL, then /bin/sh
	Args        []string
	DefaultDir  string // Used when a viewer names no valid directory; empty means cwd
	Env         []string
	IdleTimeout time.Duration // Non-positive disables idle eviction

	FlushInterval   time.Duration
	MaxBuffered     int
	ScrollbackBytes int
}

// Info describes one shared shell.
type Info struct {
	Key          string    `json:"key"`
	Pid          int       `json:"pid"`
	Viewers      int       `json:"viewers"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Session is one shared shell.
type Session struct {
	key  string
	proc *pty.Process
	out  *fanout.Buffer

	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
}

// Key returns the resolved directory the session is keyed by.
func (s *Session) Key() string { return s.key }

// Hub owns the shared shells.
type Hub struct {
	cfg    Config
	clock  clock.Clock
	reaper *idle.Reaper
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a Hub.
func NewHub(cfg Config, c clock.Clock) *Hub {
	if c == nil {
		c = clock.Real()
	}
	if cfg.Shell == "" {
		cfg.Shell = os.Getenv("SHELL")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.DefaultDir == "" {
		cfg.DefaultDir, _ = os.Getwd()
	}

	h := &Hub{
		cfg:      cfg,
		clock:    c,
		log:      logging.NewLogger("terminal"),
		sessions: make(map[string]*Session),
	}
	h.reaper = idle.New(c, cfg.IdleTimeout, h.evict)
	return h
}

// Resolve maps a requested directory to the session key. Missing, invalid
// or non-directory paths fall back to the default directory.
func (h *Hub) Resolve(repoPath string) string {
	if repoPath == "" {
		return h.cfg.DefaultDir
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return h.cfg.DefaultDir
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		h.log.WithField("repoPath", repoPath).Debug("Invalid terminal directory, using default")
		return h.cfg.DefaultDir
	}
	return abs
}

// Attach connects conn to the shell for repoPath, starting one at
// cols x rows if none exists.
func (h *Hub) Attach(repoPath string, cols, rows int, conn Conn) (*Attachment, error) {
	key := h.Resolve(repoPath)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, os.ErrClosed
	}
	sess, ok := h.sessions[key]
	if !ok {
		var err error
		sess, err = h.spawnLocked(key, cols, rows)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}

	// Attaching under the hub lock keeps a concurrent eviction from
	// seeing an empty viewer set for a session that is being joined.
	h.reaper.Cancel(key)
	var viewers int
	sess.proc.WithScrollback(func(scrollback string) {
		if scrollback != "" {
			if err := conn.Send([]byte(scrollback)); err != nil {
				h.log.WithError(err).Debug("Scrollback replay failed")
			}
		}
		viewers = sess.out.Attach(conn)
	})
	h.mu.Unlock()

	sess.touch(h.clock.Now())

	select {
	case <-sess.proc.Done():
		// The shell exited before this viewer was registered.
		sess.out.Detach(conn)
		_ = conn.Close(CloseNormal, reasonExited)
		return nil, os.ErrProcessDone
	default:
	}

	h.log.WithFields(logrus.Fields{"key": key, "viewers": viewers}).Info("Viewer attached")
	return &Attachment{hub: h, sess: sess, conn: conn}, nil
}

func (h *Hub) spawnLocked(key string, cols, rows int) (*Session, error) {
	sess := &Session{
		key:       key,
		out:       fanout.New(h.clock, h.cfg.FlushInterval, h.cfg.MaxBuffered),
		createdAt: h.clock.Now(),
	}
	sess.lastActive = sess.createdAt

	proc, err := pty.Start(pty.Config{
		ID:              key,
		Command:         h.cfg.Shell,
		Args:            h.cfg.Args,
		Dir:             key,
		Env:             h.cfg.Env,
		Cols:            cols,
		Rows:            rows,
		ScrollbackBytes: h.cfg.ScrollbackBytes,
		OnOutput: func(chunk string) {
			sess.touch(h.clock.Now())
			sess.out.WriteString(chunk)
		},
		OnExit: func(status pty.ExitStatus) { h.handleExit(sess, status) },
	})
	if err != nil {
		h.log.WithError(err).WithField("shell", h.cfg.Shell).Error("Failed to start terminal shell")
		return nil, err
	}
	sess.proc = proc
	h.sessions[key] = sess

	h.log.WithFields(logrus.Fields{"key": key, "pid": proc.Pid(), "cols": cols, "rows": rows}).Info("Terminal started")
	return sess, nil
}

func (h *Hub) handleExit(sess *Session, status pty.ExitStatus) {
	h.mu.Lock()
	if h.sessions[sess.key] == sess {
		delete(h.sessions, sess.key)
	}
	h.mu.Unlock()
	h.reaper.Cancel(sess.key)

	for _, t := range sess.out.Transports() {
		if conn, ok := t.(Conn); ok {
			_ = conn.Close(CloseNormal, reasonExited)
		}
	}
	sess.out.Close()

	h.log.WithFields(logrus.Fields{"key": sess.key, "exitCode": status.Code, "signal": status.Signal}).Info("Terminal exited")
}

// evict kills an unattended shell. A viewer that attached after the timer
// was armed keeps it alive.
func (h *Hub) evict(key string) {
	h.mu.Lock()
	sess, ok := h.sessions[key]
	if !ok || sess.out.Len() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, key)
	h.mu.Unlock()

	sess.proc.Kill()
	sess.out.Close()
	h.log.WithField("key", key).Info("Idle terminal evicted")
}

func (h *Hub) detach(sess *Session, conn Conn) {
	remaining := sess.out.Detach(conn)
	h.log.WithFields(logrus.Fields{"key": sess.key, "viewers": remaining}).Info("Viewer detached")
	if remaining > 0 {
		return
	}

	h.mu.Lock()
	current := h.sessions[sess.key] == sess
	h.mu.Unlock()
	if current {
		h.reaper.Arm(sess.key)
	}
}

// Get returns the live session for a resolved key.
func (h *Hub) Get(key string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[key]
	return sess, ok
}

// Sessions describes every live shell ordered by key.
func (h *Hub) Sessions() []Info {
	h.mu.Lock()
	list := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		list = append(list, sess)
	}
	h.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, sess := range list {
		sess.mu.Lock()
		last := sess.lastActive
		sess.mu.Unlock()
		out = append(out, Info{
			Key:          sess.key,
			Pid:          sess.proc.Pid(),
			Viewers:      sess.out.Len(),
			CreatedAt:    sess.createdAt,
			LastActiveAt: last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// IdlePending reports whether key has an eviction timer armed.
func (h *Hub) IdlePending(key string) bool {
	return h.reaper.Pending(key)
}

// Close kills every shell and disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	list := make([]*Session, 0, len(h.sessions))
	for key, sess := range h.sessions {
		list = append(list, sess)
		delete(h.sessions, key)
	}
	h.mu.Unlock()
	h.reaper.Close()

	for _, sess := range list {
		for _, t := range sess.out.Transports() {
			if conn, ok := t.(Conn); ok {
				_ = conn.Close(CloseGoingAway, reasonShutdown)
			}
		}
		sess.out.Close()
		sess.proc.Kill()
	}
}
