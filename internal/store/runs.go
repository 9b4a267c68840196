package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one execution attempt of a session.
type Run struct {
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	RepoPath  string    `json:"repoPath,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SaveRun inserts a run or merges into an existing one. Empty fields of
// run never overwrite stored values, and started_at is kept from the
// first save.
func (s *SQLiteStore) SaveRun(run *Run) error {
	if run == nil || run.RunID == "" {
		return errors.New("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCode sql.NullInt64
	if run.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*run.ExitCode), Valid: true}
	}

	const query = `
		INSERT INTO runs
			(run_id, session_id, repo_path, pid, status, started_at, updated_at, exit_code, signal, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			repo_path = CASE WHEN excluded.repo_path = '' THEN runs.repo_path ELSE excluded.repo_path END,
			pid = CASE WHEN excluded.pid = 0 THEN runs.pid ELSE excluded.pid END,
			exit_code = COALESCE(excluded.exit_code, runs.exit_code),
			signal = COALESCE(excluded.signal, runs.signal),
			error = COALESCE(excluded.error, runs.error)
	`
	_, err := s.db.Exec(query,
		run.RunID,
		run.SessionID,
		run.RepoPath,
		run.Pid,
		run.Status,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		exitCode,
		run.Signal,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun returns a run by id, or nil, nil if there is none.
func (s *SQLiteStore) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT run_id, session_id, repo_path, pid, status, started_at, updated_at, exit_code, signal, error
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first. An empty sessionID lists runs of
// every session. A non-positive limit means no limit.
func (s *SQLiteStore) ListRuns(sessionID string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, session_id, repo_path, pid, status, started_at, updated_at, exit_code, signal, error
		FROM runs
		WHERE ? = '' OR session_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                  Run
		startedAt, updatedAt string
		exitCode             sql.NullInt64
		signal, errText      sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.SessionID, &run.RepoPath, &run.Pid, &run.Status,
		&startedAt, &updatedAt, &exitCode, &signal, &errText); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.Signal = signal.String
	run.Error = errText.String
	return &run, nil
}
