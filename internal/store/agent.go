package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentSession is a provider-side session record (claude, codex, ...).
// Primary key is (provider, provider_session_id).
type AgentSession struct {
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"providerSessionId"`
	Title             string    `json:"title,omitempty"`
	Cwd               string    `json:"cwd,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
	LastRestoredAt    *time.Time `json:"lastRestoredAt,omitempty"`
}

// UpsertAgentSession merges the record with any existing row: the earliest
// created_at wins, the latest last_seen_at wins, and a non-empty incoming
// cwd replaces the stored one.
func (s *Store) UpsertAgentSession(rec AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var restored any
	if rec.LastRestoredAt != nil {
		restored = rec.LastRestoredAt.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions (provider, provider_session_id, title, cwd, created_at, last_seen_at, last_restored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_session_id) DO UPDATE SET
			title = excluded.title,
			cwd = CASE WHEN excluded.cwd != '' THEN excluded.cwd ELSE agent_sessions.cwd END,
			created_at = MIN(agent_sessions.created_at, excluded.created_at),
			last_seen_at = MAX(agent_sessions.last_seen_at, excluded.last_seen_at),
			last_restored_at = COALESCE(excluded.last_restored_at, agent_sessions.last_restored_at)`,
		rec.Provider, rec.ProviderSessionID, rec.Title, rec.Cwd,
		rec.CreatedAt.UnixMilli(), rec.LastSeenAt.UnixMilli(), restored)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// GetAgentSession looks up one record.
func (s *Store) GetAgentSession(provider, providerSessionID string) (AgentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT provider, provider_session_id, title, cwd, created_at, last_seen_at, last_restored_at
		FROM agent_sessions WHERE provider = ? AND provider_session_id = ?`,
		provider, providerSessionID)
	rec, err := scanAgentSession(row)
	if err == sql.ErrNoRows {
		return AgentSession{}, false, nil
	}
	if err != nil {
		return AgentSession{}, false, err
	}
	return rec, true, nil
}

// ListAgentSessions returns all records, most recently seen first.
func (s *Store) ListAgentSessions() ([]AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT provider, provider_session_id, title, cwd, created_at, last_seen_at, last_restored_at
		FROM agent_sessions ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		rec, err := scanAgentSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentSession(r rowScanner) (AgentSession, error) {
	var rec AgentSession
	var created, seen int64
	var restored sql.NullInt64
	err := r.Scan(&rec.Provider, &rec.ProviderSessionID, &rec.Title, &rec.Cwd, &created, &seen, &restored)
	if err != nil {
		return AgentSession{}, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.LastSeenAt = time.UnixMilli(seen)
	if restored.Valid {
		t := time.UnixMilli(restored.Int64)
		rec.LastRestoredAt = &t
	}
	return rec, nil
}

// SetTaskAssignment marks taskID as the active assignment for the session,
// deactivating any prior active row in the same transaction.
func (s *Store) SetTaskAssignment(sessionID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE session_task_assignments SET active = 0 WHERE session_id = ? AND active = 1`, sessionID); err != nil {
		return fmt.Errorf("deactivate assignment: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO session_task_assignments (session_id, task_id, active, assigned_at)
		VALUES (?, ?, 1, ?)`, sessionID, taskID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return tx.Commit()
}

// ClearTaskAssignment deactivates the session's active assignment, if any.
func (s *Store) ClearTaskAssignment(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE session_task_assignments SET active = 0 WHERE session_id = ? AND active = 1`, sessionID)
	return err
}

// ActiveTaskAssignment returns the active task id for the session.
func (s *Store) ActiveTaskAssignment(sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taskID string
	err := s.db.QueryRow(`SELECT task_id FROM session_task_assignments WHERE session_id = ? AND active = 1`, sessionID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}
