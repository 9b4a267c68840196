package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/server"
	"github.com/yomogiu/codex-cli-renderer/internal/store"
)

// fakeAPI records the last request and answers from a route table.
type fakeAPI struct {
	t        *testing.T
	method   string
	path     string
	rawQuery string
	body     map[string]any
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{t: t, routes: make(map[string]func(http.ResponseWriter))}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.method = r.Method
		api.path = r.URL.Path
		api.rawQuery = r.URL.RawQuery
		api.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&api.body)
		}
		handler, ok := api.routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"no route","code":"session.not_found"}`))
			return
		}
		handler(w)
	}))
	t.Cleanup(ts.Close)
	return api, ts
}

func (a *fakeAPI) reply(route string, status int, v any) {
	a.routes[route] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			a.t.Errorf("encode: %v", err)
		}
	}
}

// =============================================================================
// session start
// =============================================================================

func TestSessionStart(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("POST /api/sessions/start", http.StatusOK, server.StartResponse{
		RunID: "run-1", SessionID: "s1", Status: "running", StartedAt: "2026-01-02T03:04:05.000Z",
	})

	code, out, errOut := runWithArgs("session", "start", "s1",
		"--repo", "/work/app", "--prompt", "fix the tests", "--profile", "fast", "--template", "t1",
		"--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if out != "Session s1 running (run run-1)\n" {
		t.Fatalf("unexpected output %q", out)
	}
	want := map[string]any{
		"sessionId":  "s1",
		"repoPath":   "/work/app",
		"prompt":     "fix the tests",
		"profile":    "fast",
		"templateId": "t1",
	}
	for k, v := range want {
		if api.body[k] != v {
			t.Errorf("body[%s] = %v, want %v", k, api.body[k], v)
		}
	}
}

func TestSessionStartJSON(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("POST /api/sessions/start", http.StatusOK, server.StartResponse{RunID: "run-1", SessionID: "s1", Status: "running"})

	code, out, errOut := runWithArgs("session", "start", "s1", "--json", "--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	var resp server.StartResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if resp.RunID != "run-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSessionStartError(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("POST /api/sessions/start", http.StatusBadRequest, map[string]string{
		"error": "repository path does not exist", "code": "session.invalid_state",
	})

	code, _, errOut := runWithArgs("session", "start", "s1", "--addr", ts.URL)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "repository path does not exist (session.invalid_state)") {
		t.Fatalf("expected relay error message, got %q", errOut)
	}
}

// =============================================================================
// pause / resume / stop
// =============================================================================

func TestSessionActions(t *testing.T) {
	tests := []struct {
		action string
		status string
	}{
		{"pause", "paused"},
		{"resume", "running"},
		{"stop", "blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			api, ts := newFakeAPI(t)
			api.reply("POST /api/sessions/s1/"+tt.action, http.StatusOK, server.ActionResponse{SessionID: "s1", Status: tt.status})

			code, out, errOut := runWithArgs("session", tt.action, "s1", "--addr", ts.URL)
			if code != 0 {
				t.Fatalf("exit %d: %s", code, errOut)
			}
			if out != "Session s1 "+tt.status+"\n" {
				t.Fatalf("unexpected output %q", out)
			}
			if api.method != http.MethodPost {
				t.Fatalf("expected POST, got %s", api.method)
			}
		})
	}
}

func TestSessionActionUnknown(t *testing.T) {
	_, ts := newFakeAPI(t)

	code, _, errOut := runWithArgs("session", "pause", "ghost", "--addr", ts.URL)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "session.not_found") {
		t.Fatalf("expected not-found code, got %q", errOut)
	}
}

func TestSessionPath(t *testing.T) {
	if got := sessionPath("s1", "/stop"); got != "/api/sessions/s1/stop" {
		t.Errorf("got %q", got)
	}
	if got := sessionPath("a/b c", ""); got != "/api/sessions/a%2Fb%20c" {
		t.Errorf("session id not escaped: %q", got)
	}
}

// =============================================================================
// get / list
// =============================================================================

func TestSessionGet(t *testing.T) {
	api, ts := newFakeAPI(t)
	runID := "run-9"
	api.reply("GET /api/sessions/s1", http.StatusOK, server.SessionView{
		SessionID: "s1", RunID: &runID, Status: "running", RepoPath: "/work/app", Pid: 4242,
		UpdatedAt: "2026-01-02T03:04:05.000Z",
	})

	code, out, errOut := runWithArgs("session", "get", "s1", "--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"Session:      s1", "Status:       running", "Run:          run-9", "Directory:    /work/app", "PID:          4242"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionGetIdle(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("GET /api/sessions/s1", http.StatusOK, server.SessionView{SessionID: "s1", Status: "idle"})

	code, out, _ := runWithArgs("session", "get", "s1", "--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if strings.Contains(out, "Run:") || strings.Contains(out, "PID:") {
		t.Fatalf("idle session should show no run or pid:\n%s", out)
	}
}

func TestWriteSessionTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 10, 0, 0, time.UTC)
	var b strings.Builder
	writeSessionTable(&b, []server.SessionView{
		{SessionID: "s1", Status: "running", Pid: 10, RepoPath: "/a", StartedAt: "2026-01-02T03:05:00.000Z"},
		{SessionID: "s2", Status: "paused"},
	}, now)

	out := b.String()
	if !strings.Contains(out, "SESSION") || !strings.Contains(out, "5 minutes ago") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[2], "s2") || !strings.Contains(lines[2], "-") {
		t.Fatalf("row for untracked fields should use dashes: %q", lines[2])
	}
}

func TestSessionListEmpty(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("GET /api/sessions", http.StatusOK, []server.SessionView{})

	code, out, _ := runWithArgs("session", "list", "--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if out != "No active sessions.\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

// =============================================================================
// events / runs
// =============================================================================

func TestSessionEvents(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.reply("GET /api/sessions/s1/events", http.StatusOK, server.EventsResponse{
		SessionID: "s1",
		Events: []events.Event{
			events.Output("s1", "run-1", "hello\n", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
			{Type: events.TypeCodexEvent, SessionID: "s1", EventType: "turn.completed", Timestamp: "2026-01-02T03:04:06.000Z"},
		},
	})

	code, out, errOut := runWithArgs("session", "events", "s1", "--limit", "5", "--addr", ts.URL)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if api.rawQuery != "limit=5" {
		t.Fatalf("expected limit query, got %q", api.rawQuery)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got:\n%s", out)
	}
	if !strings.Contains(lines[0], `run.output "hello\n"`) {
		t.Errorf("unexpected output line %q", lines[0])
	}
	if !strings.Contains(lines[1], "codex.event turn.completed") {
		t.Errorf("unexpected codex line %q", lines[1])
	}
}

func TestSessionEventsNegativeLimit(t *testing.T) {
	code, _, errOut := runWithArgs("session", "events", "s1", "--limit", "-1", "--addr", "127.0.0.1:1")
	if code != 1 || !strings.Contains(errOut, "--limit") {
		t.Fatalf("expected limit error, got %d %q", code, errOut)
	}
}

func TestFormatEventLine(t *testing.T) {
	exit := 0
	tests := []struct {
		name string
		e    events.Event
		want string
	}{
		{
			name: "codex event with message",
			e:    events.Event{Type: events.TypeCodexEvent, EventType: "log", Message: " started ", Timestamp: "t1"},
			want: "t1 codex.event log started",
		},
		{
			name: "codex event without type",
			e:    events.Event{Type: events.TypeCodexEvent, Timestamp: "t1"},
			want: "t1 codex.event -",
		},
		{
			name: "status update falls back to updatedAt",
			e:    events.Event{Type: events.TypeSessionUpdate, Status: "done", UpdatedAt: "t2", LastExitCode: &exit},
			want: "t2 session.update done",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventLine(tt.e); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteRunTable(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	code := 2
	var b strings.Builder
	writeRunTable(&b, []*store.Run{
		{RunID: "run-2", Status: "error", StartedAt: started, UpdatedAt: started.Add(90 * time.Second), ExitCode: &code},
		{RunID: "run-1", Status: "blocked", StartedAt: started, UpdatedAt: started.Add(time.Second), Signal: "SIGTERM"},
	})
	out := b.String()
	for _, want := range []string{"run-2", "error", "1m30s", "SIGTERM"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	b.Reset()
	writeRunTable(&b, nil)
	if b.String() != "No runs recorded.\n" {
		t.Fatalf("unexpected empty output %q", b.String())
	}
}

func TestAPIClientUnreachable(t *testing.T) {
	c := newAPIClient("127.0.0.1:1")
	err := c.call(http.MethodGet, "/api/health", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "relay unreachable") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestAPIClientWaitsForLateRelay(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})}
	t.Cleanup(func() { srv.Close() })
	go func() {
		time.Sleep(300 * time.Millisecond)
		late, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("late listen: %v", err)
			return
		}
		srv.Serve(late)
	}()

	c := newAPIClient(addr)
	c.wait = 5 * time.Second
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(http.MethodGet, "/api/health", nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestAPIClientWaitGivesUp(t *testing.T) {
	c := newAPIClient("127.0.0.1:1")
	c.wait = 300 * time.Millisecond

	start := time.Now()
	err := c.call(http.MethodGet, "/api/health", nil, nil)
	var unreachable *unreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("retried for %s, wait was %s", elapsed, c.wait)
	}
}

func TestAPIClientWaitDoesNotRetryErrorResponses(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Session not found: s1","code":"session.not_found"}`))
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL)
	c.wait = 5 * time.Second
	err := c.call(http.MethodGet, "/api/sessions/s1", nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "session.not_found" {
		t.Fatalf("expected session.not_found, got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("error response retried: %d requests", n)
	}
}

func TestAPIClientPlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
	}))
	defer ts.Close()

	err := newAPIClient(ts.URL).call(http.MethodGet, "/status", nil, nil)
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("expected *apiError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusForbidden || !strings.Contains(apiErr.Message, "local-only") {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
