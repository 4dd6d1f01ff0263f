package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/hive/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func findAgent(t *testing.T, s *Store, id string) *Agent {
	t.Helper()
	agents, err := s.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	for i := range agents {
		if agents[i].ID == id {
			return &agents[i]
		}
	}
	return nil
}

func TestAgentSaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: "a1", Name: "Research 1", Type: "research", Status: "idle", Data: json.RawMessage(`{"id":"a1"}`)}
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got := findAgent(t, s, "a1")
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Name != "Research 1" {
		t.Errorf("expected name 'Research 1', got '%s'", got.Name)
	}
	if string(got.Data) != `{"id":"a1"}` {
		t.Errorf("unexpected data %s", got.Data)
	}

	// Update
	a.Status = "maintenance"
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	if got := findAgent(t, s, "a1"); got.Status != "maintenance" {
		t.Errorf("expected 'maintenance', got '%s'", got.Status)
	}

	_ = s.SaveAgent(ctx, &Agent{ID: "a2", Name: "Review 1", Type: "review", Status: "idle", Data: json.RawMessage(`{}`)})
	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 agents, got %d", len(agents))
	}
}

func TestArchiveAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveAgent(ctx, &Agent{ID: "a1", Name: "Debugger", Type: "debugger", Status: "idle", Data: json.RawMessage(`{"id":"a1"}`)})

	if err := s.ArchiveAgent(ctx, "a1", "decommissioned"); err != nil {
		t.Fatalf("archive agent: %v", err)
	}

	if findAgent(t, s, "a1") != nil {
		t.Error("expected agent removed from active table")
	}

	retired, err := s.ListRetiredAgents(ctx)
	if err != nil {
		t.Fatalf("list retired: %v", err)
	}
	if len(retired) != 1 {
		t.Fatalf("expected 1 retired agent, got %d", len(retired))
	}
	if retired[0].Reason != "decommissioned" {
		t.Errorf("expected reason 'decommissioned', got '%s'", retired[0].Reason)
	}

	// Unknown agent is a no-op
	if err := s.ArchiveAgent(ctx, "ghost", "x"); err != nil {
		t.Fatalf("archive unknown agent: %v", err)
	}
}

func TestSessionReadWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.WriteSession(ctx, "s1", []byte(`{"id":"s1","status":"active"}`)); err != nil {
		t.Fatalf("write session: %v", err)
	}
	if err := s.WriteSession(ctx, "s1", []byte(`{"id":"s1","status":"paused"}`)); err != nil {
		t.Fatalf("rewrite session: %v", err)
	}

	data, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(data) != `{"id":"s1","status":"paused"}` {
		t.Errorf("unexpected session data %s", data)
	}

	data, err = s.ReadSession(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Error("expected nil for missing session")
	}

	_ = s.WriteSession(ctx, "s2", []byte(`{}`))
	ids, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 sessions, got %v", ids)
	}
}

func TestCheckpointsPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.WriteSession(ctx, "s1", []byte(`{}`))
	for i := 0; i < 5; i++ {
		if err := s.WriteCheckpoint(ctx, "s1", fmt.Sprintf("cp-%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("write checkpoint: %v", err)
		}
	}
	_ = s.WriteCheckpoint(ctx, "other", "cp-x", []byte(`{"n":99}`))

	if err := s.PruneCheckpoints(ctx, "s1", 3); err != nil {
		t.Fatalf("prune: %v", err)
	}

	cps, err := s.ReadCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("read checkpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(cps))
	}
	// Oldest first, newest kept
	if string(cps[0]) != `{"n":2}` || string(cps[2]) != `{"n":4}` {
		t.Errorf("unexpected checkpoints after prune: %s .. %s", cps[0], cps[2])
	}

	other, _ := s.ReadCheckpoints(ctx, "other")
	if len(other) != 1 {
		t.Errorf("prune touched another session: %d", len(other))
	}
}
