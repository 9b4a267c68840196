package supervisor

import (
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	"github.com/yomogiu/codex-cli-renderer/internal/pty"
)

// Status is a session's lifecycle state.
type Status string

// Lifecycle states. Idle is never stored; it is what an untracked id reports.
const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
	StatusDone    Status = "done"
)

// live reports whether the status belongs to a process that may still be
// doing work on the caller's behalf.
func (s Status) live() bool {
	return s == StatusRunning || s == StatusPaused
}

// Request describes a session start.
type Request struct {
	SessionID  string
	RepoPath   string
	Prompt     string
	TemplateID string
	Profile    string
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	SessionID  string
	RunID      string // empty for idle snapshots
	Status     Status
	RepoPath   string
	Pid        int
	TemplateID string
	Profile    string
	TaskCount  int
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// session is the registry entry for one id. It owns exactly one process.
type session struct {
	id         string
	runID      string
	repoPath   string
	templateID string
	profile    string
	status     Status

	proc        *pty.Process
	promptTimer *clock.Timer

	startedAt    time.Time
	lastActiveAt time.Time
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		SessionID:  s.id,
		RunID:      s.runID,
		Status:     s.status,
		RepoPath:   s.repoPath,
		Pid:        s.proc.Pid(),
		TemplateID: s.templateID,
		Profile:    s.profile,
		StartedAt:  s.startedAt,
		UpdatedAt:  s.lastActiveAt,
	}
}

// touch advances lastActiveAt, never moving it backwards.
func (s *session) touch(now time.Time) {
	if now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
}
