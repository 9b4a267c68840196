// Package server exposes the relay over HTTP.
//
// Two listeners are served. The control API handles session commands, the
// server-sent event stream, the run ledger, and the local status endpoint.
// The terminal listener upgrades viewers to websockets and attaches them
// to shared shells.
package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	sse "github.com/tmaxmax/go-sse"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
	"github.com/yomogiu/codex-cli-renderer/internal/sidecar"
	"github.com/yomogiu/codex-cli-renderer/internal/store"
	"github.com/yomogiu/codex-cli-renderer/internal/supervisor"
	"github.com/yomogiu/codex-cli-renderer/internal/terminal"
)

// Sessions is the session registry the control API drives.
type Sessions interface {
	StartSession(req supervisor.Request) (supervisor.Snapshot, error)
	PauseSession(id string) (supervisor.Snapshot, error)
	ResumeSession(id string) (supervisor.Snapshot, error)
	StopSession(id string) (supervisor.Snapshot, error)
	GetSessionState(id string) supervisor.Snapshot
	List() []supervisor.Snapshot
	Counts() map[supervisor.Status]int
}

// Companions reports on the sidecar processes.
type Companions interface {
	IsAnyRunning() bool
	Statuses() []sidecar.Status
}

// History serves recorded runs and events.
type History interface {
	RecentEvents(sessionID string, limit int) ([]events.Event, error)
	ListRuns(sessionID string, limit int) ([]*store.Run, error)
}

// Options configures a Server. Sessions is required; the rest are optional.
type Options struct {
	Sessions   Sessions
	Companions Companions
	History    History
	Terminals  *terminal.Hub

	// AllowedOrigins may call the control API from a browser.
	AllowedOrigins []string

	// Heartbeat is the interval between keep-alive comments on the
	// event stream.
	Heartbeat time.Duration

	Terminal TerminalAuth
}

// TerminalAuth gates the terminal channel.
type TerminalAuth struct {
	Token          string
	TokenHash      string // bcrypt hash, checked when set
	AllowedOrigins []string
	InputRate      float64 // messages per second per viewer
	InputBurst     int
}

const (
	defaultHeartbeat  = 15 * time.Second
	defaultInputRate  = 1000
	defaultInputBurst = 50

	// streamTopic is the single go-sse topic every envelope is published on.
	streamTopic = "events"
)

// Server holds both listeners and the event stream provider.
type Server struct {
	opts      Options
	log       *logrus.Entry
	startTime time.Time

	provider *sse.Joe
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	apiServer   *http.Server
	termServer  *http.Server
	apiAddr     string
	termAddr    string
	subscribers int
	stopped     bool
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Terminal.InputRate <= 0 {
		opts.Terminal.InputRate = defaultInputRate
	}
	if opts.Terminal.InputBurst <= 0 {
		opts.Terminal.InputBurst = defaultInputBurst
	}
	return &Server{
		opts:      opts,
		log:       logging.NewLogger("server"),
		startTime: time.Now(),
		provider:  &sse.Joe{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are checked after the upgrade so a rejected viewer
			// receives a policy-violation close frame instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// APIHandler returns the control API routes wrapped in CORS handling.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions/start", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/runs", s.handleRuns)
	mux.HandleFunc("/status", s.handleStatus)

	return withCORS(s.opts.AllowedOrigins, mux)
}

// TerminalHandler returns the terminal websocket endpoint. Any path is
// accepted.
func (s *Server) TerminalHandler() http.Handler {
	return http.HandlerFunc(s.handleTerminal)
}

// APIAddr returns the address the control API is listening on.
func (s *Server) APIAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiAddr
}

// TerminalAddr returns the address the terminal channel is listening on,
// or "" when it is not served.
func (s *Server) TerminalAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termAddr
}

// StreamSubscribers returns the number of connected event stream clients.
func (s *Server) StreamSubscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers
}

// isLoopbackRequest reports whether r came from the local machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
