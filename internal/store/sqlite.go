// Package store keeps a ledger of runs and a bounded history of recent
// session events in SQLite.
//
// The default database is in memory, so the ledger lives exactly as long
// as the process. Pointing it at a file keeps it across restarts, but the
// supervisor never reads it back to resurrect sessions.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomogiu/codex-cli-renderer/internal/logging"

	// Pure-Go SQLite driver, registered for side effects. No CGO needed.
	_ "modernc.org/sqlite"
)

// MemoryPath selects an in-memory database.
const MemoryPath = ":memory:"

// currentSchemaVersion is bumped together with a new migrateToVN.
const currentSchemaVersion = 1

// SQLiteStore is the run ledger.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logrus.Entry

	maxEventsPerSession int
}

// DefaultMaxEventsPerSession bounds the per-session history.
const DefaultMaxEventsPerSession = 200

// NewSQLiteStore opens or creates the database at path. An empty path
// means MemoryPath.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = MemoryPath
	}
	log := logging.NewLogger("store")
	log.WithField("path", path).Debug("Opening database")

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every new connection to :memory: is a fresh, empty database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, log: log, maxEventsPerSession: DefaultMaxEventsPerSession}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.WithField("schemaVersion", currentSchemaVersion).Debug("Database ready")
	return s, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrateToV1() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			repo_path TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			exit_code INTEGER,
			signal TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (1, ?)",
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
