package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/hive/internal/config"
)

func newTestStore(t *testing.T, cfg config.CheckpointConfig) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionReadWrite(t *testing.T) {
	s := newTestStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	if err := s.WriteSession(ctx, "s1", []byte(`{"id":"s1"}`)); err != nil {
		t.Fatalf("write session: %v", err)
	}
	data, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(data) != `{"id":"s1"}` {
		t.Errorf("unexpected data %s", data)
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

func TestCheckpointOrderAndPrune(t *testing.T) {
	s := newTestStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.WriteCheckpoint(ctx, "s1", fmt.Sprintf("cp-%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("write checkpoint: %v", err)
		}
	}
	// Rewrite keeps position
	if err := s.WriteCheckpoint(ctx, "s1", "cp-1", []byte(`{"n":11}`)); err != nil {
		t.Fatalf("rewrite checkpoint: %v", err)
	}

	cps, err := s.ReadCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("read checkpoints: %v", err)
	}
	if len(cps) != 5 {
		t.Fatalf("expected 5 checkpoints, got %d", len(cps))
	}
	if string(cps[1]) != `{"n":11}` {
		t.Errorf("expected rewritten checkpoint in place, got %s", cps[1])
	}

	if err := s.PruneCheckpoints(ctx, "s1", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	cps, _ = s.ReadCheckpoints(ctx, "s1")
	if len(cps) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(cps))
	}
	if string(cps[0]) != `{"n":3}` || string(cps[1]) != `{"n":4}` {
		t.Errorf("unexpected checkpoints after prune: %s, %s", cps[0], cps[1])
	}
}

func TestCompressedAndSealed(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, config.CheckpointConfig{Dir: dir, Compress: true, Passphrase: "hunter2"})
	ctx := context.Background()

	payload := []byte(strings.Repeat(`{"memory":"abcdefgh"}`, 50))
	if err := s.WriteCheckpoint(ctx, "s1", "cp", payload); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "s1", "checkpoints", "*.json.zst.sealed"))
	if len(matches) != 1 {
		t.Fatalf("expected one sealed compressed file, got %v", matches)
	}
	raw, _ := os.ReadFile(matches[0])
	if strings.Contains(string(raw), "memory") {
		t.Error("sealed file contains plaintext")
	}

	cps, err := s.ReadCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("read checkpoints: %v", err)
	}
	if len(cps) != 1 || string(cps[0]) != string(payload) {
		t.Error("payload did not round trip")
	}

	// A store without the passphrase cannot read sealed files.
	plain := newTestStore(t, config.CheckpointConfig{Dir: dir})
	if _, err := plain.ReadCheckpoints(ctx, "s1"); err == nil {
		t.Error("expected error reading sealed checkpoint without passphrase")
	}
}

func TestSettingsChangeReplacesSessionFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	plain := newTestStore(t, config.CheckpointConfig{Dir: dir})
	_ = plain.WriteSession(ctx, "s1", []byte(`{"v":1}`))

	zs := newTestStore(t, config.CheckpointConfig{Dir: dir, Compress: true})
	if err := zs.WriteSession(ctx, "s1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("write session: %v", err)
	}
	data, err := zs.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("expected latest summary, got %s", data)
	}
}

func TestInvalidIDs(t *testing.T) {
	s := newTestStore(t, config.CheckpointConfig{})
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := s.WriteSession(ctx, id, []byte(`{}`)); !errors.Is(err, ErrInvalidID) {
			t.Errorf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
	if err := s.WriteCheckpoint(ctx, "s1", "../x", []byte(`{}`)); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for checkpoint id, got %v", err)
	}
}

func TestInterruptedSessionWriteIsIgnored(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, config.CheckpointConfig{Dir: dir, Compress: true})
	ctx := context.Background()

	// A crash before the rename leaves only the temporary file behind.
	if err := os.MkdirAll(filepath.Join(dir, "s1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s1", "session.json.zst.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if data != nil {
		t.Errorf("expected no session, got %q", data)
	}
	ids, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no sessions, got %v", ids)
	}

	// The next complete write wins over the leftover.
	if err := s.WriteSession(ctx, "s1", []byte(`{"id":"s1"}`)); err != nil {
		t.Fatalf("write session: %v", err)
	}
	data, err = s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(data) != `{"id":"s1"}` {
		t.Errorf("unexpected data %q", data)
	}
}
