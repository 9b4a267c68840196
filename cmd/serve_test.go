package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/config"
	"github.com/yomogiu/codex-cli-renderer/internal/server"
)

// =============================================================================
// Configuration layering
// =============================================================================

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestBuildServeConfig_FlagsOverrideEnvAndFile(t *testing.T) {
	path := writeConfigFile(t, `
[api]
port = 9000

[terminal]
token = "file-token"
allowed_origins = ["http://file.test"]
port = 9001
`)
	global := &globalOptions{configPath: path}
	opts := &serveOptions{}
	cmd := newServeCmd(global)
	if err := cmd.ParseFlags([]string{"--api-addr", "0.0.0.0:7000", "--store", "/tmp/ledger.db", "--mdns"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	// The command binds its own options; read them back through the flags.
	opts.apiAddr, _ = cmd.Flags().GetString("api-addr")
	opts.storePath, _ = cmd.Flags().GetString("store")
	opts.mdns, _ = cmd.Flags().GetBool("mdns")

	cfg, err := buildServeConfig(cmd, global, opts, envMap(map[string]string{
		"API_PORT":    "8000",
		"PTY_WS_PORT": "8001",
	}))
	if err != nil {
		t.Fatalf("buildServeConfig: %v", err)
	}

	if cfg.API.Host != "0.0.0.0" || cfg.API.Port != 7000 {
		t.Errorf("flag should win for api address, got %s:%d", cfg.API.Host, cfg.API.Port)
	}
	if cfg.Terminal.Port != 8001 {
		t.Errorf("env should win over file for terminal port, got %d", cfg.Terminal.Port)
	}
	if cfg.Terminal.Token != "file-token" {
		t.Errorf("file token lost, got %q", cfg.Terminal.Token)
	}
	if cfg.Store.Path != "/tmp/ledger.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if !cfg.MdnsEnabled {
		t.Error("--mdns should enable advertisement")
	}
}

func TestBuildServeConfig_TerminalNeedsCredentials(t *testing.T) {
	global := &globalOptions{configPath: writeConfigFile(t, "")}
	cmd := newServeCmd(global)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	_, err := buildServeConfig(cmd, global, &serveOptions{}, envMap(nil))
	if err == nil {
		t.Fatal("expected validation error without PTY_TOKEN")
	}
	if !strings.Contains(err.Error(), "PTY_TOKEN") {
		t.Fatalf("error should name PTY_TOKEN, got %v", err)
	}
}

func TestBuildServeConfig_NoTerminalSkipsCredentials(t *testing.T) {
	global := &globalOptions{configPath: writeConfigFile(t, "")}
	cmd := newServeCmd(global)
	if err := cmd.ParseFlags([]string{"--no-terminal"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := buildServeConfig(cmd, global, &serveOptions{noTerminal: true}, envMap(nil))
	if err != nil {
		t.Fatalf("buildServeConfig: %v", err)
	}
	if cfg.Terminal.Enabled {
		t.Fatal("terminal should be disabled")
	}
}

func TestApplyServeFlags_InvalidAddress(t *testing.T) {
	for _, args := range [][]string{
		{"--api-addr", "no-port"},
		{"--terminal-addr", "127.0.0.1:http"},
	} {
		cmd := newServeCmd(&globalOptions{})
		if err := cmd.ParseFlags(args); err != nil {
			t.Fatalf("ParseFlags: %v", err)
		}
		opts := &serveOptions{}
		opts.apiAddr, _ = cmd.Flags().GetString("api-addr")
		opts.terminalAddr, _ = cmd.Flags().GetString("terminal-addr")
		if err := applyServeFlags(cmd, config.Defaults(), opts); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestPortOf(t *testing.T) {
	if got := portOf("127.0.0.1:8787"); got != 8787 {
		t.Errorf("portOf = %d", got)
	}
	if got := portOf(""); got != 0 {
		t.Errorf("portOf(\"\") = %d", got)
	}
}

// =============================================================================
// Assembled relay
// =============================================================================

func testRelayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.LogLevel = "error"
	cfg.API.Port = 0
	cfg.Terminal.Enabled = false
	cfg.Sidecar.Enabled = false
	cfg.Session.Command = "/bin/sh"
	cfg.Session.Args = `["-c", "echo relay-ok"]`
	cfg.Session.DefaultDir = t.TempDir()
	return cfg
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRelayRecordsRuns(t *testing.T) {
	r, err := newRelay(testRelayConfig(t))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	if err := r.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.shutdown(context.Background())

	base := "http://" + r.server.APIAddr()

	var health server.HealthResponse
	if code := getJSON(t, base+"/api/health", &health); code != http.StatusOK {
		t.Fatalf("health: %d", code)
	}
	if health.Status != "ok" || health.CodexBridge {
		t.Fatalf("unexpected health %+v", health)
	}

	code, out, errOut := runWithArgs("session", "start", "s1", "--addr", base)
	if code != 0 {
		t.Fatalf("session start failed: %s", errOut)
	}
	if !strings.Contains(out, "Session s1 running") {
		t.Fatalf("unexpected start output %q", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var runs server.RunsResponse
		getJSON(t, base+"/api/sessions/s1/runs", &runs)
		if len(runs.Runs) == 1 && runs.Runs[0].Status == "done" {
			if runs.Runs[0].ExitCode == nil || *runs.Runs[0].ExitCode != 0 {
				t.Fatalf("expected exit code 0, got %+v", runs.Runs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never recorded as done: %+v", runs.Runs)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var history server.EventsResponse
	getJSON(t, base+"/api/sessions/s1/events", &history)
	found := false
	for _, e := range history.Events {
		if e.Entry != nil && strings.Contains(e.Entry.Message, "relay-ok") {
			found = true
		}
	}
	if !found {
		t.Fatalf("output missing from history: %+v", history.Events)
	}
}

func TestRelayStatusCommand(t *testing.T) {
	r, err := newRelay(testRelayConfig(t))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	if err := r.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.shutdown(context.Background())

	code, out, errOut := runWithArgs("status", "--addr", r.server.APIAddr())
	if code != 0 {
		t.Fatalf("status failed: %s", errOut)
	}
	for _, want := range []string{"Relay Status", "Control API:  " + r.server.APIAddr(), "Terminal:     disabled", "Companions:   disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, testRelayConfig(t), &out) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "Terminal:") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("serve never reported its listeners: %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "Terminal:     disabled") {
		t.Fatalf("unexpected serve output %q", out.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServePortConflict(t *testing.T) {
	first, err := newRelay(testRelayConfig(t))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	if err := first.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer first.shutdown(context.Background())

	cfg := testRelayConfig(t)
	cfg.API.Port = portOf(first.server.APIAddr())
	if err := runServe(context.Background(), cfg, &bytes.Buffer{}); err == nil {
		t.Fatal("expected listen error on a used port")
	}
}
