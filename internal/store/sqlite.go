package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode so an interactive command and a
// background monitor can share the file without a distributed lock.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			work_item_number INTEGER NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			resume_count INTEGER NOT NULL DEFAULT 0,
			waiting_for_statuses TEXT,
			project_path TEXT NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS status_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_number INTEGER NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			detected_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_transitions_item ON status_transitions(work_item_number, detected_at)`,
		`CREATE TABLE IF NOT EXISTS tracked_items (
			work_item_number INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			parent_number INTEGER NOT NULL DEFAULT 0,
			current_status TEXT NOT NULL DEFAULT '',
			target_status TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (work_item_number, session_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_items_session ON tracked_items(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
