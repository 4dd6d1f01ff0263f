package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is the persisted form of a supervised agent. Data carries the full
// serialized agent (capabilities, limits, learning data); the other columns
// are kept for listing without decoding.
type Agent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RetiredAgent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	Data      json.RawMessage `json:"data"`
	RetiredAt time.Time       `json:"retired_at"`
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var data string
	if err := scanner.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &data, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Data = json.RawMessage(data)
	return a, nil
}

const agentColumns = `id, name, type, status, data, created_at, updated_at`

func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Type, a.Status, string(a.Data))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ArchiveAgent moves an agent row into retired_agents. Archiving an unknown
// agent is not an error.
func (s *Store) ArchiveAgent(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO retired_agents (id, name, type, reason, data)
		SELECT id, name, type, ?, data FROM agents WHERE id = ?
		ON CONFLICT(id) DO UPDATE SET
			reason = excluded.reason,
			data = excluded.data,
			retired_at = CURRENT_TIMESTAMP`, reason, id)
	if err != nil {
		return fmt.Errorf("archive agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListRetiredAgents(ctx context.Context) ([]RetiredAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, reason, data, retired_at
		FROM retired_agents ORDER BY retired_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list retired agents: %w", err)
	}
	defer rows.Close()

	var out []RetiredAgent
	for rows.Next() {
		var r RetiredAgent
		var reason sql.NullString
		var data string
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &reason, &data, &r.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan retired agent: %w", err)
		}
		r.Reason = reason.String
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}
