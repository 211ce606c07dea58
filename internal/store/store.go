// Package store persists session metadata, events, input history, agent
// session records and preferences in a single sqlite file. Writes are
// serialized and durable on return; reads see consistent snapshots
// (WAL mode).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// maxInputEntries caps the per-session recent input list.
const maxInputEntries = 40

type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the store at path and brings the schema
// forward. Missing columns are added; nothing is ever dropped.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single writer connection keeps sqlite's locking out of the picture.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRow mirrors one row of the sessions table.
type SessionRow struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	TmuxName   string   `json:"tmuxName,omitempty"`
	TmuxServer string   `json:"tmuxServer,omitempty"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	Status     string   `json:"status"`
	ExitCode   *int     `json:"exitCode,omitempty"`
	ExitSignal *string  `json:"exitSignal,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// UpsertSession inserts or replaces the row and refreshes last_seen_at.
func (s *Store) UpsertSession(row SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := json.Marshal(row.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, name, tmux_name, tmux_server, command, args, cwd, status, exit_code, exit_signal, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tmux_name = excluded.tmux_name,
			tmux_server = excluded.tmux_server,
			command = excluded.command,
			args = excluded.args,
			cwd = excluded.cwd,
			status = excluded.status,
			exit_code = excluded.exit_code,
			exit_signal = excluded.exit_signal,
			last_seen_at = excluded.last_seen_at`,
		row.ID, row.Name, row.TmuxName, row.TmuxServer, row.Command, string(args),
		row.Cwd, row.Status, row.ExitCode, row.ExitSignal,
		row.CreatedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", row.ID, err)
	}
	return nil
}

// ListSessions returns rows newest-first by last_seen_at.
func (s *Store) ListSessions(limit int) ([]SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, name, tmux_name, tmux_server, command, args, cwd, status, exit_code, exit_signal, created_at, last_seen_at
		FROM sessions ORDER BY last_seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var argsJSON string
		var created, seen int64
		if err := rows.Scan(&r.ID, &r.Name, &r.TmuxName, &r.TmuxServer, &r.Command, &argsJSON,
			&r.Cwd, &r.Status, &r.ExitCode, &r.ExitSignal, &created, &seen); err != nil {
			return nil, err
		}
		if argsJSON != "" {
			_ = json.Unmarshal([]byte(argsJSON), &r.Args)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.LastSeenAt = time.UnixMilli(seen)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertEvent appends one session event.
func (s *Store) InsertEvent(sessionID string, ts time.Time, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO events (session_id, ts, type, payload) VALUES (?, ?, ?, ?)`,
		sessionID, ts.UnixMilli(), eventType, string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InputEntry is one submitted input line with its buffer-line anchor.
type InputEntry struct {
	Text   string `json:"text"`
	Anchor int    `json:"anchor"`
}

// InputHistory is the per-session input record.
type InputHistory struct {
	LastInput   string       `json:"lastInput"`
	ProcessHint string       `json:"processHint,omitempty"`
	Entries     []InputEntry `json:"entries,omitempty"`
}

// SaveInputHistory writes the record, trimming the entry list to its cap.
func (s *Store) SaveInputHistory(sessionID string, h InputHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(h.Entries) > maxInputEntries {
		h.Entries = h.Entries[len(h.Entries)-maxInputEntries:]
	}
	entries, err := json.Marshal(h.Entries)
	if err != nil {
		return fmt.Errorf("marshal input entries: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO input_history (session_id, last_input, process_hint, entries)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_input = excluded.last_input,
			process_hint = excluded.process_hint,
			entries = excluded.entries`,
		sessionID, h.LastInput, h.ProcessHint, string(entries))
	if err != nil {
		return fmt.Errorf("save input history: %w", err)
	}
	return nil
}

// LoadAllInputHistory returns the full session-id → history map.
func (s *Store) LoadAllInputHistory() (map[string]InputHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT session_id, last_input, process_hint, entries FROM input_history`)
	if err != nil {
		return nil, fmt.Errorf("load input history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]InputHistory)
	for rows.Next() {
		var id, entriesJSON string
		var h InputHistory
		if err := rows.Scan(&id, &h.LastInput, &h.ProcessHint, &entriesJSON); err != nil {
			return nil, err
		}
		if entriesJSON != "" {
			_ = json.Unmarshal([]byte(entriesJSON), &h.Entries)
		}
		out[id] = h
	}
	return out, rows.Err()
}

// DeleteInputHistory removes the record for a session id.
func (s *Store) DeleteInputHistory(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM input_history WHERE session_id = ?`, sessionID)
	return err
}

// GetPreference unmarshals the stored JSON value for key into v. The second
// return is false when the key has never been set.
func (s *Store) GetPreference(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get preference %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode preference %s: %w", key, err)
	}
	return true, nil
}

// SetPreference stores the JSON encoding of v under key. Last write wins.
func (s *Store) SetPreference(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(data))
	return err
}
