package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/control"
	"github.com/mtzanidakis/hive/internal/filestore"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session and agent managers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// openCheckpointStore opens the configured session backend. The sqlite
// backend shares db.
func openCheckpointStore(cfg *config.Config, db *store.Store) (swarm.CheckpointStore, func() error, error) {
	switch cfg.Checkpoints.Backend {
	case "file":
		fs, err := filestore.New(cfg.Checkpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("init checkpoint dir: %w", err)
		}
		return fs, fs.Close, nil
	default:
		return db, func() error { return nil }, nil
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	slog.Info("starting hive", "version", version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	cps, closeCheckpoints, err := openCheckpointStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeCheckpoints()
	slog.Info("checkpoint store initialized", "backend", cfg.Checkpoints.Backend)

	var (
		conn *natsbus.Client
		pub  agent.Publisher
	)
	if cfg.NATS.Enabled {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		if conn, err = natsbus.NewClient(bus); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()
		pub = conn
		slog.Info("nats started", "url", bus.ClientURL())
	} else {
		slog.Warn("nats disabled, events and control requests are unavailable")
	}

	reg := registry.New(cfg.Templates)

	agents := agent.NewManager(agent.Options{
		Config:    cfg.Lifecycle,
		Storage:   agent.NewStoreStorage(db),
		Publisher: pub,
		Templates: reg,
	})
	if err := agents.Initialize(ctx); err != nil {
		return fmt.Errorf("init agent manager: %w", err)
	}

	sessions := swarm.NewManager(swarm.Options{
		Defaults:  cfg.Sessions,
		Store:     cps,
		Publisher: pub,
	})
	if err := sessions.Initialize(ctx); err != nil {
		_ = agents.Shutdown(context.Background())
		return fmt.Errorf("init session manager: %w", err)
	}

	if conn != nil {
		if _, err := agents.Ingest(conn); err != nil {
			return fmt.Errorf("subscribe learning events: %w", err)
		}
		if _, err := control.NewServer(sessions, agents).Serve(conn); err != nil {
			return fmt.Errorf("subscribe control requests: %w", err)
		}
		slog.Info("control interface listening", "subject", natsbus.TopicControl)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	current := cfg
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				current = reload(current, reg, agents, sessions)
				continue
			}
			slog.Info("shutting down", "signal", sig)
			break loop
		}
	}

	// Stop taking requests before draining state.
	if conn != nil {
		if err := conn.Drain(); err != nil {
			slog.Warn("nats drain failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	var failed bool
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Error("session manager shutdown", "error", err)
		failed = true
	}
	if err := agents.Shutdown(shutdownCtx); err != nil {
		slog.Error("agent manager shutdown", "error", err)
		failed = true
	}
	if failed {
		return fmt.Errorf("shutdown incomplete")
	}
	return nil
}

// reload re-reads the config file and applies the reloadable changes. The
// previous config is kept when the file is invalid.
func reload(old *config.Config, reg *registry.Registry, agents *agent.Manager, sessions *swarm.Manager) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	d := config.Diff(old, cfg)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, no changes")
		return cfg
	}

	if len(d.TemplatesAdded)+len(d.TemplatesRemoved)+len(d.TemplatesChanged) > 0 {
		reg.Update(cfg.Templates)
		slog.Info("agent templates reloaded",
			"added", d.TemplatesAdded, "removed", d.TemplatesRemoved, "changed", d.TemplatesChanged)
	}
	if d.LifecycleChanged {
		agents.UpdateConfig(d.NewLifecycle)
	}
	if d.SessionsChanged {
		sessions.UpdateDefaults(d.NewSessions)
	}
	if d.LogChanged {
		setupLogging(d.NewLog)
	}
	return cfg
}
