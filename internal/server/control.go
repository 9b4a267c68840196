package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/errors"
	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/sidecar"
	"github.com/yomogiu/codex-cli-renderer/internal/store"
	"github.com/yomogiu/codex-cli-renderer/internal/supervisor"
	"github.com/yomogiu/codex-cli-renderer/internal/terminal"
)

// maxRequestBody bounds control API request bodies.
const maxRequestBody = 1 << 20

// StartRequest is the body of POST /api/sessions/start.
type StartRequest struct {
	SessionID  string `json:"sessionId"`
	RepoPath   string `json:"repoPath"`
	Prompt     string `json:"prompt"`
	TemplateID string `json:"templateId"`
	Profile    string `json:"profile"`
}

// StartResponse is returned by a successful start.
type StartResponse struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	StartedAt string `json:"startedAt"`
}

// ActionResponse is returned by pause, resume, and stop.
type ActionResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// SessionView is a session's state as the API reports it. RunID is null
// for sessions that are not tracked.
type SessionView struct {
	SessionID  string  `json:"sessionId"`
	RunID      *string `json:"runId"`
	Status     string  `json:"status"`
	RepoPath   string  `json:"repoPath,omitempty"`
	Pid        int     `json:"pid,omitempty"`
	TemplateID string  `json:"templateId,omitempty"`
	Profile    string  `json:"profile,omitempty"`
	TaskCount  int     `json:"taskCount"`
	StartedAt  string  `json:"startedAt,omitempty"`
	UpdatedAt  string  `json:"updatedAt"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	CodexBridge bool   `json:"codexBridge"`
}

// EventsResponse is returned by GET /api/sessions/{id}/events.
type EventsResponse struct {
	SessionID string         `json:"sessionId"`
	Events    []events.Event `json:"events"`
}

// RunsResponse is returned by GET /api/sessions/{id}/runs.
type RunsResponse struct {
	SessionID string       `json:"sessionId"`
	Runs      []*store.Run `json:"runs"`
}

func viewOf(snap supervisor.Snapshot) SessionView {
	v := SessionView{
		SessionID:  snap.SessionID,
		Status:     string(snap.Status),
		RepoPath:   snap.RepoPath,
		Pid:        snap.Pid,
		TemplateID: snap.TemplateID,
		Profile:    snap.Profile,
		TaskCount:  snap.TaskCount,
		UpdatedAt:  events.Timestamp(snap.UpdatedAt),
	}
	if snap.RunID != "" {
		runID := snap.RunID
		v.RunID = &runID
	}
	if !snap.StartedAt.IsZero() {
		v.StartedAt = events.Timestamp(snap.StartedAt)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.opts.Companions != nil {
		resp.CodexBridge = s.opts.Companions.IsAnyRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSONError(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	snap, err := s.opts.Sessions.StartSession(supervisor.Request{
		SessionID:  req.SessionID,
		RepoPath:   req.RepoPath,
		Prompt:     req.Prompt,
		TemplateID: req.TemplateID,
		Profile:    req.Profile,
	})
	if err != nil {
		s.log.WithError(err).WithField("sessionId", req.SessionID).Error("Failed to start session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StartResponse{
		RunID:     snap.RunID,
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		StartedAt: events.Timestamp(snap.StartedAt),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.opts.Sessions.PauseSession)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.opts.Sessions.ResumeSession)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, s.opts.Sessions.StopSession)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, action func(string) (supervisor.Snapshot, error)) {
	snap, err := action(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		UpdatedAt: events.Timestamp(snap.UpdatedAt),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.opts.Sessions.GetSessionState(r.PathValue("id"))))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.opts.Sessions.List()
	views := make([]SessionView, len(snaps))
	for i, snap := range snaps {
		views[i] = viewOf(snap)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	resp := EventsResponse{SessionID: id, Events: []events.Event{}}
	if s.opts.History != nil {
		recent, err := s.opts.History.RecentEvents(id, limit)
		if err != nil {
			writeError(w, errors.Internal("failed to read event history", err))
			return
		}
		resp.Events = recent
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	resp := RunsResponse{SessionID: id, Runs: []*store.Run{}}
	if s.opts.History != nil {
		runs, err := s.opts.History.ListRuns(id, limit)
		if err != nil {
			writeError(w, errors.Internal("failed to read runs", err))
			return
		}
		if runs != nil {
			resp.Runs = runs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseLimit reads the optional limit query parameter. Zero means the
// store's default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, errors.New(errors.CodeInvalidArgument, "limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// StatusResponse is returned by the local-only /status endpoint.
type StatusResponse struct {
	UptimeSeconds   int64            `json:"uptimeSeconds"`
	APIAddress      string           `json:"apiAddress"`
	TerminalAddress string           `json:"terminalAddress,omitempty"`
	Sessions        map[string]int   `json:"sessions"`
	StreamClients   int              `json:"streamClients"`
	Terminals       []terminal.Info  `json:"terminals"`
	SidecarsEnabled bool             `json:"sidecarsEnabled"`
	Sidecars        []sidecar.Status `json:"sidecars"`
	GeneratedAt     string           `json:"generatedAt"`
}

// handleStatus serves GET /status to loopback callers only.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		APIAddress:      s.APIAddr(),
		TerminalAddress: s.TerminalAddr(),
		Sessions:        map[string]int{},
		StreamClients:   s.StreamSubscribers(),
		Terminals:       []terminal.Info{},
		Sidecars:        []sidecar.Status{},
		GeneratedAt:     events.Timestamp(time.Now()),
	}
	for status, n := range s.opts.Sessions.Counts() {
		resp.Sessions[string(status)] = n
	}
	if s.opts.Terminals != nil {
		resp.Terminals = append(resp.Terminals, s.opts.Terminals.Sessions()...)
	}
	if s.opts.Companions != nil {
		resp.SidecarsEnabled = true
		resp.Sidecars = append(resp.Sidecars, s.opts.Companions.Statuses()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes {"error": message}.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError writes {"error", "code"} with the status the code maps to.
func writeError(w http.ResponseWriter, err error) {
	code, message := errors.ToCodeAndMessage(err)
	writeJSON(w, errors.HTTPStatus(err), map[string]string{"error": message, "code": code})
}
