package store

import (
	"fmt"
)

// migrate brings the schema forward. Migrations are additive only: tables
// are created if missing and columns appended; data is never dropped, so a
// store written by an older build always opens.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			tmux_name TEXT NOT NULL DEFAULT '',
			tmux_server TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			cwd TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			exit_code INTEGER,
			exit_signal TEXT,
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events (session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS input_history (
			session_id TEXT PRIMARY KEY,
			last_input TEXT NOT NULL DEFAULT '',
			process_hint TEXT NOT NULL DEFAULT '',
			entries TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			provider TEXT NOT NULL,
			provider_session_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			last_restored_at INTEGER,
			PRIMARY KEY (provider, provider_session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_task_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			assigned_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_assignment
			ON session_task_assignments (session_id) WHERE active = 1`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Columns added after the initial release. ALTER TABLE fails when the
	// column already exists, so probe first.
	addColumns := []struct {
		table, column, def string
	}{
		{"sessions", "exit_signal", "TEXT"},
		{"sessions", "cwd", "TEXT NOT NULL DEFAULT ''"},
		{"agent_sessions", "last_restored_at", "INTEGER"},
		{"input_history", "process_hint", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, c := range addColumns {
		has, err := s.hasColumn(c.table, c.column)
		if err != nil {
			return err
		}
		if !has {
			if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.def)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
