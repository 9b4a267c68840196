// Package sidecar supervises one companion app-server process per
// session. The companion's stdout and stderr lines become codex.event
// envelopes; when it dies unexpectedly it is restarted after a fixed
// delay, in the directory it was last started in.
//
// A sidecar's lifecycle is independent of its session's PTY process: it
// is only started and stopped explicitly.
package sidecar

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	apperrors "github.com/yomogiu/codex-cli-renderer/internal/errors"
	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/launch"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
)

// Defaults applied by New.
const (
	DefaultRestartDelay = 3 * time.Second
	DefaultSessionID    = "default-session"
	maxLineBytes        = 4 * 1024 * 1024
)

// Config controls how companions are launched.
type Config struct {
	Command          string   // Executable; script paths run through their interpreter
	Args             []string // Argument templates with {sessionId} and {repoPath}
	Env              []string // Environment; nil inherits
	AutoRestart      bool
	RestartDelay     time.Duration
	DefaultSessionID string // Used for lines that carry no session id
}

// Status describes one companion.
type Status struct {
	SessionID      string `json:"sessionId"`
	RepoPath       string `json:"repoPath,omitempty"`
	Running        bool   `json:"running"`
	Pid            int    `json:"pid,omitempty"`
	Restarts       int    `json:"restarts"`
	RestartPending bool   `json:"restartPending"`
}

type entry struct {
	id       string
	repoPath string

	cmd          *exec.Cmd
	output       map[*os.File]struct{} // open read ends, including any a previous process left held
	restartTimer *clock.Timer
	stopped      bool
	restarts     int
}

// Bridge owns the companions.
type Bridge struct {
	cfg     Config
	clock   clock.Clock
	emitter events.Emitter
	log     *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a Bridge that reports lines to emitter.
func New(cfg Config, emitter events.Emitter, c clock.Clock) *Bridge {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.DefaultSessionID == "" {
		cfg.DefaultSessionID = DefaultSessionID
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if c == nil {
		c = clock.Real()
	}
	return &Bridge{
		cfg:     cfg,
		clock:   c,
		emitter: emitter,
		log:     logging.NewLogger("sidecar"),
		entries: make(map[string]*entry),
	}
}

// StartSession ensures a companion runs for id. It is a no-op while one is
// running; a pending restart is replaced by an immediate start. An empty
// repoPath keeps the last known directory.
func (b *Bridge) StartSession(id, repoPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperrors.Internal("sidecar bridge is shut down", nil)
	}
	e, ok := b.entries[id]
	if !ok {
		e = &entry{id: id}
		b.entries[id] = e
	}
	e.stopped = false
	if repoPath != "" {
		e.repoPath = repoPath
	}
	if e.cmd != nil {
		return nil
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	return b.spawnLocked(e)
}

func (b *Bridge) spawnLocked(e *entry) error {
	log := b.log.WithField("sessionId", e.id)

	args := launch.Expand(b.cfg.Args, map[string]string{"sessionId": e.id, "repoPath": e.repoPath})
	resolved := launch.Resolve(b.cfg.Command, args)

	cmd := exec.Command(resolved.Path, resolved.Args...)
	cmd.Dir = e.repoPath
	cmd.Env = b.cfg.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	stdout, stderr, err := b.startWithPipes(cmd)
	if err == nil {
		if e.output == nil {
			e.output = make(map[*os.File]struct{})
		}
		e.output[stdout] = struct{}{}
		e.output[stderr] = struct{}{}
		e.cmd = cmd
		b.watch(e, cmd, stdout, stderr)
		log.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "command": resolved.Path}).Info("Companion started")
		return nil
	}

	log.WithError(err).WithField("command", resolved.Path).Error("Failed to start companion")
	b.scheduleRestartLocked(e)
	return apperrors.SpawnFailed(resolved.Path, err)
}

// startWithPipes starts cmd with its stdout and stderr on fresh pipes and
// returns the read ends. The parent's write ends are closed once the child
// holds them, so EOF follows the last writer, which may outlive cmd.
func (b *Bridge) startWithPipes(cmd *exec.Cmd) (*os.File, *os.File, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, nil, err
	}
	return stdoutR, stderrR, nil
}

// watch reaps the process as soon as it exits. The readers run on their
// own: a background child that inherited the streams can keep them open
// long after the companion is gone.
func (b *Bridge) watch(e *entry, cmd *exec.Cmd, stdout, stderr *os.File) {
	go b.readLines(e, stdout, Stdout)
	go b.readLines(e, stderr, Stderr)

	go func() {
		err := cmd.Wait()
		b.handleExit(e, cmd, err)
	}()
}

func (b *Bridge) readLines(e *entry, r *os.File, stream Stream) {
	id := e.id
	defer func() {
		r.Close()
		b.mu.Lock()
		delete(e.output, r)
		b.mu.Unlock()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		b.emitter.Emit(FormatEvent(line, stream, id, b.cfg.DefaultSessionID, b.clock.Now()))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		b.log.WithError(err).WithFields(logrus.Fields{"sessionId": id, "stream": stream}).Warn("Stopped reading companion output")
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (b *Bridge) handleExit(e *entry, cmd *exec.Cmd, waitErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.cmd != cmd {
		// Stopped or replaced; the exit was expected.
		return
	}
	e.cmd = nil

	fields := logrus.Fields{"sessionId": e.id}
	if state := cmd.ProcessState; state != nil {
		fields["exitCode"] = state.ExitCode()
		fields["state"] = state.String()
	}
	b.log.WithFields(fields).WithError(waitErr).Warn("Companion exited")

	if e.stopped || b.closed {
		return
	}
	b.scheduleRestartLocked(e)
}

// scheduleRestartLocked arms a restart unless auto-restart is off or one
// is already pending.
func (b *Bridge) scheduleRestartLocked(e *entry) {
	if !b.cfg.AutoRestart || e.restartTimer != nil || e.stopped || b.closed {
		return
	}
	delay := b.cfg.RestartDelay
	e.restartTimer = b.clock.AfterFunc(delay, func() { b.restart(e) })
	b.log.WithFields(logrus.Fields{"sessionId": e.id, "delay": delay}).Info("Companion restart scheduled")
}

func (b *Bridge) restart(e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.restartTimer = nil
	if e.stopped || b.closed || e.cmd != nil || b.entries[e.id] != e {
		return
	}
	e.restarts++
	_ = b.spawnLocked(e)
}

// StopSession cancels any pending restart and kills the companion.
func (b *Bridge) StopSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return
	}
	b.stopLocked(e)
}

func (b *Bridge) stopLocked(e *entry) {
	e.stopped = true
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	if e.cmd != nil {
		if err := e.cmd.Process.Kill(); err != nil {
			b.log.WithError(err).WithField("sessionId", e.id).Debug("Kill failed")
		}
		e.cmd = nil
		b.log.WithField("sessionId", e.id).Info("Companion stopped")
	}
	// Unblocks readers still held open by anything the companion left behind.
	for f := range e.output {
		_ = f.Close()
	}
}

// IsRunning reports whether a companion process is alive for id.
func (b *Bridge) IsRunning(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	return ok && e.cmd != nil
}

// IsAnyRunning reports whether any companion process is alive.
func (b *Bridge) IsAnyRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.cmd != nil {
			return true
		}
	}
	return false
}

// Statuses describes every known companion, ordered by session id.
func (b *Bridge) Statuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.entries))
	for _, e := range b.entries {
		st := Status{
			SessionID:      e.id,
			RepoPath:       e.repoPath,
			Running:        e.cmd != nil,
			Restarts:       e.restarts,
			RestartPending: e.restartTimer != nil,
		}
		if e.cmd != nil {
			st.Pid = e.cmd.Process.Pid
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close stops every companion and prevents further starts.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, e := range b.entries {
		b.stopLocked(e)
	}
}
