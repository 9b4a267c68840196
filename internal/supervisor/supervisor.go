// Package supervisor owns the registry of agent sessions.
//
// Every session id maps to at most one live PTY process. The Supervisor
// runs the lifecycle state machine
//
//	running -> paused -> running
//	running|paused -> blocked   (explicit stop)
//	running -> done|error       (process exit)
//
// and reports every transition through an events.Emitter as a
// session.update and run.status pair. Process output is forwarded as
// run.output events in the order the process produced it.
//
// Status events are emitted while the registry lock is held so that
// transitions are observed in the order they were applied. Emitters must
// therefore never call back into the Supervisor.
package supervisor

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	apperrors "github.com/yomogiu/codex-cli-renderer/internal/errors"
	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/launch"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
	"github.com/yomogiu/codex-cli-renderer/internal/pty"
)

// Defaults applied by New when Config leaves a value unset.
const (
	DefaultPromptDelay = 100 * time.Millisecond
	DefaultStopGrace   = 2 * time.Second
)

// Config controls how session processes are launched.
type Config struct {
	Command     string   // Executable; empty falls back to $SHELL, then /bin/sh
	Args        []string // Argument templates with {prompt} {repoPath} {sessionId} {profile}
	DefaultDir  string   // Working directory when a request has none; empty means cwd
	Env         []string // Process environment; nil inherits
	Cols, Rows  int
	PromptDelay time.Duration // Delay before writing the prompt to the terminal
	StopGrace   time.Duration // How long a restart waits for a stopped process to exit
}

// Companion is started and stopped alongside a session. The sidecar
// bridge implements it.
type Companion interface {
	StartSession(sessionID, repoPath string) error
	StopSession(sessionID string)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the time source used for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithCompanion starts and stops c together with every session.
func WithCompanion(c Companion) Option {
	return func(s *Supervisor) { s.companion = c }
}

// Supervisor is the session registry.
type Supervisor struct {
	cfg       Config
	clock     clock.Clock
	emitter   events.Emitter
	companion Companion
	log       *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a Supervisor that reports to emitter.
func New(cfg Config, emitter events.Emitter, opts ...Option) *Supervisor {
	if cfg.PromptDelay <= 0 {
		cfg.PromptDelay = DefaultPromptDelay
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Command == "" {
		cfg.Command = defaultShell()
	}
	if emitter == nil {
		emitter = events.Discard
	}

	s := &Supervisor{
		cfg:      cfg,
		clock:    clock.Real(),
		emitter:  emitter,
		log:      logging.NewLogger("supervisor"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// StartSession starts a run for req.SessionID, or returns the live run
// unchanged if one exists.
func (s *Supervisor) StartSession(req Request) (Snapshot, error) {
	if req.SessionID == "" {
		return Snapshot{}, apperrors.MissingSessionID()
	}
	// A live run is returned as is, whatever directory the repeat names.
	snap, live := s.liveSnapshot(req.SessionID)
	started := false
	if !live {
		dir, err := s.resolveDir(req.RepoPath)
		if err != nil {
			return Snapshot{}, err
		}
		snap, started, err = s.start(req, dir)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if s.companion != nil {
		if err := s.companion.StartSession(req.SessionID, snap.RepoPath); err != nil {
			s.log.WithError(err).WithField("sessionId", req.SessionID).Warn("Failed to start companion process")
		}
	}
	if !started {
		s.log.WithField("sessionId", req.SessionID).Debug("Session already live, start ignored")
	}
	return snap, nil
}

func (s *Supervisor) liveSnapshot(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.status.live() {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// resolveDir validates the working directory. The error names the path
// as the caller supplied it.
func (s *Supervisor) resolveDir(repoPath string) (string, error) {
	dir := repoPath
	if dir == "" {
		dir = s.cfg.DefaultDir
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", apperrors.InvalidRepoPath(dir, err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", apperrors.InvalidRepoPath(dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperrors.InvalidRepoPath(dir, err)
	}
	if !info.IsDir() {
		return "", apperrors.InvalidRepoPath(dir, nil)
	}
	return abs, nil
}

// start holds the registry lock across the live check and the spawn, so
// two concurrent starts for one id can never both spawn. A stopped
// process that has not exited yet is waited for (outside the lock) first.
func (s *Supervisor) start(req Request, dir string) (Snapshot, bool, error) {
	waited := map[*pty.Process]bool{}

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, false, apperrors.Internal("supervisor is shut down", nil)
		}
		existing, ok := s.sessions[req.SessionID]
		if !ok {
			break
		}
		if existing.status.live() {
			snap := existing.snapshot()
			s.mu.Unlock()
			return snap, false, nil
		}
		old := existing.proc
		if waited[old] {
			// Still registered after the grace period; the exit will be
			// ignored as superseded once the new run replaces it.
			break
		}
		waited[old] = true
		s.mu.Unlock()
		s.awaitExit(old)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	sess, err := s.spawnLocked(req, dir)
	if err != nil {
		return Snapshot{}, false, err
	}
	return sess.snapshot(), true, nil
}

func (s *Supervisor) awaitExit(proc *pty.Process) {
	proc.Kill()
	select {
	case <-proc.Done():
	case <-s.clock.After(s.cfg.StopGrace):
		s.log.WithField("pid", proc.Pid()).Warn("Stopped process did not exit within grace period")
	}
}

func (s *Supervisor) spawnLocked(req Request, dir string) (*session, error) {
	replacements := map[string]string{
		"prompt":    req.Prompt,
		"repoPath":  dir,
		"sessionId": req.SessionID,
		"profile":   req.Profile,
	}
	args := launch.Expand(s.cfg.Args, replacements)
	usesPrompt := launch.UsesToken(s.cfg.Args, "prompt")
	cmd := launch.Resolve(s.cfg.Command, args)
	if err := launch.CheckExecutable(cmd.Path); err != nil {
		return nil, err
	}

	id := req.SessionID
	runID := uuid.NewString()
	now := s.clock.Now()

	proc, err := pty.Start(pty.Config{
		ID:       id,
		Command:  cmd.Path,
		Args:     cmd.Args,
		Dir:      dir,
		Env:      s.cfg.Env,
		Cols:     s.cfg.Cols,
		Rows:     s.cfg.Rows,
		OnOutput: func(chunk string) { s.handleOutput(id, runID, chunk) },
		OnExit:   func(status pty.ExitStatus) { s.handleExit(id, runID, status) },
	})
	if err != nil {
		spawnErr := apperrors.SpawnFailed(cmd.Path, err)
		s.log.WithError(err).WithFields(logrus.Fields{"sessionId": id, "command": cmd.Path}).Error("Failed to spawn session")
		s.emitter.Emit(events.Event{
			Type:      events.TypeSessionUpdate,
			SessionID: id,
			RunID:     runID,
			Status:    string(StatusError),
			Error:     spawnErr.Message,
			Timestamp: events.Timestamp(now),
		})
		return nil, spawnErr
	}

	sess := &session{
		id:           id,
		runID:        runID,
		repoPath:     dir,
		templateID:   req.TemplateID,
		profile:      req.Profile,
		status:       StatusRunning,
		proc:         proc,
		startedAt:    now,
		lastActiveAt: now,
	}
	s.sessions[id] = sess

	zero := 0
	s.emitter.Emit(events.Event{
		Type:      events.TypeSessionUpdate,
		SessionID: id,
		RunID:     runID,
		Status:    string(StatusRunning),
		TaskCount: &zero,
		RepoPath:  dir,
		Pid:       proc.Pid(),
		Timestamp: events.Timestamp(now),
	})
	s.emitter.Emit(events.Event{
		Type:      events.TypeRunStatus,
		SessionID: id,
		RunID:     runID,
		Status:    string(StatusRunning),
		Timestamp: events.Timestamp(now),
	})

	if req.Prompt != "" && !usesPrompt {
		prompt := req.Prompt
		sess.promptTimer = s.clock.AfterFunc(s.cfg.PromptDelay, func() {
			if _, err := proc.WriteString(prompt + "\n"); err != nil {
				s.log.WithError(err).WithField("sessionId", id).Debug("Prompt write failed")
			}
		})
	}

	s.log.WithFields(logrus.Fields{
		"sessionId": id,
		"runId":     runID,
		"pid":       proc.Pid(),
		"command":   cmd.Path,
		"args":      len(cmd.Args),
	}).Info("Session started")
	return sess, nil
}

func (s *Supervisor) handleOutput(id, runID, chunk string) {
	now := s.clock.Now()
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok && sess.runID == runID {
		sess.touch(now)
	}
	s.mu.Unlock()

	s.emitter.Emit(events.Output(id, runID, chunk, now))
}

// handleExit removes the run from the registry. A run that was stopped
// already reported its terminal status, so its exit is silent; an exit
// of a run that has since been replaced is ignored.
func (s *Supervisor) handleExit(id, runID string, status pty.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"sessionId": id, "runId": runID, "exitCode": status.Code, "signal": status.Signal})

	sess, ok := s.sessions[id]
	if !ok || sess.runID != runID {
		log.Debug("Exit of superseded run ignored")
		return
	}
	sess.promptTimer.Stop()
	delete(s.sessions, id)

	if sess.status == StatusBlocked {
		log.Info("Stopped session exited")
		return
	}

	final := StatusError
	if status.Success() {
		final = StatusDone
	}
	ts := events.Timestamp(s.clock.Now())
	code := status.Code
	var signal *string
	if status.Signal != "" {
		sig := status.Signal
		signal = &sig
	}

	s.emitter.Emit(events.Event{
		Type:      events.TypeRunStatus,
		SessionID: id,
		RunID:     runID,
		Status:    string(final),
		Timestamp: ts,
	})
	s.emitter.Emit(events.Event{
		Type:         events.TypeSessionUpdate,
		SessionID:    id,
		RunID:        runID,
		Status:       string(final),
		LastExitCode: &code,
		LastSignal:   signal,
		Timestamp:    ts,
	})

	if final == StatusDone {
		log.Info("Session finished")
	} else {
		log.WithError(apperrors.ProcessExit(status.Code, status.Signal)).Warn("Session failed")
	}
}

// transitionLocked applies a status change and emits the matching pair.
func (s *Supervisor) transitionLocked(sess *session, to Status) {
	now := s.clock.Now()
	sess.status = to
	sess.touch(now)
	ts := events.Timestamp(now)

	s.emitter.Emit(events.Event{
		Type:      events.TypeRunStatus,
		SessionID: sess.id,
		RunID:     sess.runID,
		Status:    string(to),
		Timestamp: ts,
	})
	s.emitter.Emit(events.Event{
		Type:      events.TypeSessionUpdate,
		SessionID: sess.id,
		RunID:     sess.runID,
		Status:    string(to),
		Timestamp: ts,
	})
}

// PauseSession suspends a running session. Sessions in any other state
// are returned unchanged. On platforms without process suspension the
// session is left running and a session.unsupported error is returned.
func (s *Supervisor) PauseSession(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, apperrors.SessionNotFound(id)
	}
	if sess.status != StatusRunning {
		return sess.snapshot(), nil
	}
	if err := sess.proc.Suspend(); err != nil {
		if apperrors.IsCode(err, apperrors.CodeUnsupported) {
			return sess.snapshot(), err
		}
		s.log.WithError(err).WithField("sessionId", id).Warn("Failed to pause session")
	}
	s.transitionLocked(sess, StatusPaused)
	s.log.WithField("sessionId", id).Info("Session paused")
	return sess.snapshot(), nil
}

// ResumeSession continues a paused session. Sessions in any other state
// are returned unchanged.
func (s *Supervisor) ResumeSession(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, apperrors.SessionNotFound(id)
	}
	if sess.status != StatusPaused {
		return sess.snapshot(), nil
	}
	if err := sess.proc.Continue(); err != nil {
		if apperrors.IsCode(err, apperrors.CodeUnsupported) {
			return sess.snapshot(), err
		}
		s.log.WithError(err).WithField("sessionId", id).Warn("Failed to resume session")
	}
	s.transitionLocked(sess, StatusRunning)
	s.log.WithField("sessionId", id).Info("Session resumed")
	return sess.snapshot(), nil
}

// StopSession kills the session's process and marks it blocked right
// away; the entry is removed when the process's exit arrives. Stopping
// an already stopped session changes nothing.
func (s *Supervisor) StopSession(id string) (Snapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, apperrors.SessionNotFound(id)
	}
	if sess.status != StatusBlocked {
		sess.promptTimer.Stop()
		sess.proc.Kill()
		s.transitionLocked(sess, StatusBlocked)
		s.log.WithField("sessionId", id).Info("Session stopped")
	}
	snap := sess.snapshot()
	s.mu.Unlock()

	if s.companion != nil {
		s.companion.StopSession(id)
	}
	return snap, nil
}

// GetSessionState returns the session's snapshot, or an idle snapshot for
// ids that are not tracked.
func (s *Supervisor) GetSessionState(id string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.snapshot()
	}
	return Snapshot{SessionID: id, Status: StatusIdle, UpdatedAt: s.clock.Now()}
}

// List returns snapshots of every tracked session ordered by id.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Counts returns the number of tracked sessions per status.
func (s *Supervisor) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, sess := range s.sessions {
		counts[sess.status]++
	}
	return counts
}

// Close stops every session and waits up to the stop grace for their
// processes to exit. Later starts fail.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	procs := make([]*pty.Process, 0, len(s.sessions))
	for id, sess := range s.sessions {
		ids = append(ids, id)
		procs = append(procs, sess.proc)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.StopSession(id)
	}

	deadline := s.clock.After(s.cfg.StopGrace)
	for _, proc := range procs {
		select {
		case <-proc.Done():
		case <-deadline:
			s.log.Warn("Timed out waiting for session processes to exit")
			return
		}
	}
}
