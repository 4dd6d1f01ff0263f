package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath string
	natsURL    string
	jsonOut    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "hive",
		Short:         "Agent swarm orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.configPath != "" {
				os.Setenv("HIVE_CONFIG", g.configPath)
			}
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default $HIVE_CONFIG or config/hive.yaml)")
	root.PersistentFlags().StringVar(&g.natsURL, "nats-url", os.Getenv("NATS_URL"), "NATS URL of a running server (default from config)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCommand(),
		newSessionsCommand(&g),
		newAgentsCommand(&g),
		newBackupCommand(),
		newRestoreCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "hive %s\n", version)
			},
		},
	)
	return root
}

// setupLogging installs the default slog logger from the log config.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
