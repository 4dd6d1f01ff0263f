package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Sessions and checkpoints are stored as opaque serialized blobs; the
// session manager owns the schema of what it writes.

func (s *Store) WriteSession(ctx context.Context, sessionID string, summary []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarm_sessions (id, data)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		sessionID, string(summary))
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM swarm_sessions WHERE id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return []byte(data), nil
}

func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM swarm_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WriteCheckpoint appends a checkpoint. Rewriting an existing checkpoint id
// replaces its payload but keeps its position.
func (s *Store) WriteCheckpoint(ctx context.Context, sessionID, checkpointID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_checkpoints (id, session_id, data)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		checkpointID, sessionID, string(state))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoints returns a session's checkpoints oldest first.
func (s *Store) ReadCheckpoints(ctx context.Context, sessionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM session_checkpoints
		WHERE session_id = ?
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, []byte(data))
	}
	return out, rows.Err()
}

// PruneCheckpoints keeps only the newest keep checkpoints of a session.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_checkpoints
		WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM session_checkpoints
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}
