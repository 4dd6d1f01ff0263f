// Package filestore persists session summaries and checkpoints as files.
//
// Layout under the root directory:
//
//	<session>/session.json[.zst][.sealed]
//	<session>/checkpoints/<seq>-<checkpoint>.json[.zst][.sealed]
//
// Every file is written atomically (temporary file, fsync, rename) so a
// reader never observes a partial checkpoint. The sequence prefix keeps
// checkpoints ordered by write time.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/vault"
)

const (
	sessionFile    = "session"
	checkpointsDir = "checkpoints"
	baseExt        = ".json"
	zstdExt        = ".zst"
	sealedExt      = ".sealed"
)

var ErrInvalidID = errors.New("filestore: invalid identifier")

type Store struct {
	root    string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	vault   *vault.Vault
	lastSeq atomic.Int64
}

// New opens (creating if needed) a file store rooted at cfg.Dir. Compression
// and sealing apply to new writes; existing files are decoded by extension.
func New(cfg config.CheckpointConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s := &Store{root: cfg.Dir, dec: dec}

	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.enc = enc
	}
	if cfg.Passphrase != "" {
		v, err := vault.New(cfg.Passphrase)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		s.vault = v
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	s.dec.Close()
	return nil
}

func (s *Store) WriteSession(_ context.Context, sessionID string, summary []byte) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, ext, err := s.encode(summary)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, sessionFile+ext)
	if err := writeAtomic(target, data); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	// A change of compression/sealing settings leaves a stale variant behind.
	removeVariants(dir, sessionFile, target)
	return nil
}

func (s *Store) ReadSession(_ context.Context, sessionID string) ([]byte, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	path := sessionPath(dir)
	if path == "" {
		return nil, nil
	}
	return s.readFile(path)
}

func (s *Store) ListSessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if sessionPath(filepath.Join(s.root, e.Name())) != "" {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) WriteCheckpoint(_ context.Context, sessionID, checkpointID string, state []byte) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := validID(checkpointID); err != nil {
		return err
	}
	cpDir := filepath.Join(dir, checkpointsDir)
	if err := os.MkdirAll(cpDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, ext, err := s.encode(state)
	if err != nil {
		return err
	}

	// Rewrites keep the original sequence position.
	seq := ""
	if existing := findCheckpoint(cpDir, checkpointID); existing != "" {
		seq, _, _ = strings.Cut(filepath.Base(existing), "-")
		defer func(old string) {
			if old != filepath.Join(cpDir, seq+"-"+checkpointID+ext) {
				os.Remove(old)
			}
		}(existing)
	} else {
		seq = fmt.Sprintf("%020d", s.nextSeq())
	}

	target := filepath.Join(cpDir, seq+"-"+checkpointID+ext)
	if err := writeAtomic(target, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ReadCheckpoints(_ context.Context, sessionID string) ([][]byte, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	files, err := checkpointFiles(filepath.Join(dir, checkpointsDir))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := s.readFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *Store) PruneCheckpoints(_ context.Context, sessionID string, keep int) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	files, err := checkpointFiles(filepath.Join(dir, checkpointsDir))
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	for len(files) > keep {
		if err := os.Remove(files[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune checkpoint: %w", err)
		}
		files = files[1:]
	}
	return nil
}

func (s *Store) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := s.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (s *Store) sessionDir(sessionID string) (string, error) {
	if err := validID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sessionID), nil
}

func (s *Store) encode(data []byte) ([]byte, string, error) {
	ext := baseExt
	if s.enc != nil {
		data = s.enc.EncodeAll(data, nil)
		ext += zstdExt
	}
	if s.vault != nil {
		sealed, err := s.vault.Seal(data)
		if err != nil {
			return nil, "", fmt.Errorf("seal: %w", err)
		}
		data = sealed
		ext += sealedExt
	}
	return data, ext, nil
}

func (s *Store) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	name := filepath.Base(path)
	if strings.HasSuffix(name, sealedExt) {
		if s.vault == nil {
			return nil, fmt.Errorf("read %s: sealed file but no passphrase configured", name)
		}
		if data, err = s.vault.Open(data); err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		name = strings.TrimSuffix(name, sealedExt)
	}
	if strings.HasSuffix(name, zstdExt) {
		if data, err = s.dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", name, err)
		}
	}
	return data, nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func checkpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// sessionPath returns the committed summary file of a session directory, or
// "" when there is none. Leftover temporary files do not count.
func sessionPath(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, sessionFile+baseExt+"*"))
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			return m
		}
	}
	return ""
}

func findCheckpoint(dir, checkpointID string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*-"+checkpointID+baseExt+"*"))
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			return m
		}
	}
	return ""
}

func removeVariants(dir, base, keep string) {
	matches, _ := filepath.Glob(filepath.Join(dir, base+baseExt+"*"))
	for _, m := range matches {
		if m != keep && !strings.HasSuffix(m, ".tmp") {
			os.Remove(m)
		}
	}
}

// writeAtomic writes data to a temporary file in the same directory, fsyncs
// it and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}

	if d, err := os.Open(filepath.Dir(path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
