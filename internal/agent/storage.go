package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/hive/internal/store"
)

// Storage is the durable home of agent records. The manager is its only
// writer.
type Storage interface {
	SaveAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context) ([]*Agent, error)
	ArchiveAgent(ctx context.Context, id, reason string) error
}

// StoreStorage keeps agents in the sqlite store as JSON documents.
type StoreStorage struct {
	store *store.Store
}

func NewStoreStorage(s *store.Store) *StoreStorage {
	return &StoreStorage{store: s}
}

func (s *StoreStorage) SaveAgent(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.store.SaveAgent(ctx, &store.Agent{
		ID:     a.ID,
		Name:   a.Name,
		Type:   string(a.Type),
		Status: string(a.Status),
		Data:   data,
	})
}

func (s *StoreStorage) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(rows))
	for _, r := range rows {
		var a Agent
		if err := json.Unmarshal(r.Data, &a); err != nil {
			slog.Warn("skipping unreadable agent", "agent", r.ID, "error", err)
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *StoreStorage) ArchiveAgent(ctx context.Context, id, reason string) error {
	return s.store.ArchiveAgent(ctx, id, reason)
}
