package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
)

// AppendEvent stores e in its session's history and trims the history to
// the newest maxEventsPerSession entries.
func (s *SQLiteStore) AppendEvent(e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"INSERT INTO events (session_id, run_id, type, body, created_at) VALUES (?, ?, ?, ?, ?)",
		e.SessionID, e.RunID, e.Type, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	const trim = `
		DELETE FROM events WHERE session_id = ? AND id NOT IN (
			SELECT id FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)
	`
	if _, err := s.db.Exec(trim, e.SessionID, e.SessionID, s.maxEventsPerSession); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit of the session's newest events, oldest
// first. A limit outside 1..maxEventsPerSession returns the whole history.
func (s *SQLiteStore) RecentEvents(sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > s.maxEventsPerSession {
		limit = s.maxEventsPerSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT body FROM (
			SELECT id, body FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the stored history length for a session.
func (s *SQLiteStore) CountEvents(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}
