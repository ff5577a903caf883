package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/logging"
	"github.com/kvexplorer/kvexplorer/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kvexplorer",
		Short: "kvexplorer - HTTP explorer for Deno KV databases",
		Long: `kvexplorer serves a small JSON API for browsing and editing the entries
of a Deno KV database, either hosted (KV Connect) or on a local badger or
pebble engine.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:          runServer,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8000", "Listen address")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory for local store backends")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("backend", "b", "remote", "Store backend (remote, badger, pebble)")

	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(logrus.StandardLogger(), cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"backend": cfg.Store.Backend,
	}).Info("Starting kvexplorer")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("kvexplorer stopped")
	return nil
}
