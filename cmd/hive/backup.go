package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/spf13/cobra"
)

// Archive layout:
//
//	sessions/<id>/session.json
//	sessions/<id>/checkpoints/<seq>.json
const archiveRoot = "sessions"

func newBackupCommand() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive persisted sessions and checkpoints to a .tar.zst file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpointStore(func(cs swarm.CheckpointStore) error {
				n, err := runBackup(cmd.Context(), cs, outputPath)
				if err != nil {
					return err
				}
				info, _ := os.Stat(outputPath)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %d sessions, %s\n", n, formatSize(size))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "file", "f", "", "output archive (.tar.zst)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var (
		inputPath string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore sessions and checkpoints from a backup archive",
		Long:  "Restore sessions and checkpoints from a backup archive. Stop the server first; it only reads the store at startup.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpointStore(func(cs swarm.CheckpointStore) error {
				n, err := runRestore(cmd.Context(), cs, inputPath, overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: %d sessions\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "backup archive (.tar.zst)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace sessions that already exist")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// withCheckpointStore opens the configured session backend for offline use.
func withCheckpointStore(fn func(swarm.CheckpointStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	cs, closeCS, err := openCheckpointStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeCS()
	return fn(cs)
}

func runBackup(ctx context.Context, cs swarm.CheckpointStore, outputPath string) (int, error) {
	ids, err := cs.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		slog.Warn("no persisted sessions found, creating empty archive")
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	now := time.Now()
	count := 0
	for _, id := range ids {
		summary, err := cs.ReadSession(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("read session %s: %w", id, err)
		}
		if summary == nil {
			continue
		}
		cps, err := cs.ReadCheckpoints(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("read checkpoints %s: %w", id, err)
		}

		slog.Info("backing up session", "id", id, "checkpoints", len(cps))
		if err := writeEntry(tw, path.Join(archiveRoot, id, "session.json"), summary, now); err != nil {
			return 0, err
		}
		for i, cp := range cps {
			name := path.Join(archiveRoot, id, "checkpoints", fmt.Sprintf("%06d.json", i+1))
			if err := writeEntry(tw, name, cp, now); err != nil {
				return 0, err
			}
		}
		count++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: mod,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// runRestore replays an archive into cs. Checkpoints are written in archive
// order, which is the order they were taken.
func runRestore(ctx context.Context, cs swarm.CheckpointStore, inputPath string, overwrite bool) (int, error) {
	ids, err := scanArchiveSessions(inputPath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if overwrite {
			// The archive replaces the whole checkpoint history.
			if err := cs.PruneCheckpoints(ctx, id, 0); err != nil {
				return 0, fmt.Errorf("clear checkpoints of %s: %w", id, err)
			}
			continue
		}
		existing, err := cs.ReadSession(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("check session %s: %w", id, err)
		}
		if existing != nil {
			return 0, fmt.Errorf("session %s already exists, add --overwrite to replace it", id)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		id, rel := splitArchivePath(hdr.Name)
		if id == "" {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		switch {
		case rel == "session.json":
			if err := cs.WriteSession(ctx, id, data); err != nil {
				return 0, err
			}
			if !restored[id] {
				slog.Info("restoring session", "id", id)
			}
			restored[id] = true
		case strings.HasPrefix(rel, "checkpoints/"):
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.ID == "" {
				return 0, fmt.Errorf("checkpoint %s: missing id", hdr.Name)
			}
			if err := cs.WriteCheckpoint(ctx, id, head.ID, data); err != nil {
				return 0, err
			}
		}
	}
	return len(restored), nil
}

// scanArchiveSessions reads tar headers to collect unique session ids
// without extracting data.
func scanArchiveSessions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	var ids []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		id, _ := splitArchivePath(hdr.Name)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// splitArchivePath splits "sessions/<id>/checkpoints/1.json" into
// ("<id>", "checkpoints/1.json"). Entries outside the sessions root yield an
// empty id.
func splitArchivePath(name string) (id, rel string) {
	name = strings.TrimLeft(name, "./")
	root, rest, ok := strings.Cut(name, "/")
	if !ok || root != archiveRoot {
		return "", ""
	}
	id, rel, _ = strings.Cut(rest, "/")
	if id == "" || id == "." || id == ".." {
		return "", ""
	}
	return id, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
