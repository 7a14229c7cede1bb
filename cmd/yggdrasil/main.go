// -------------------------------------------------------------------------------
// Yggdrasil - Preservation Service
//
// Project: Yggdrasil
//
// Entry point. Without a subcommand the service is started; the remaining
// subcommands query the storage tier or reconcile leftovers of a previous run.
// -------------------------------------------------------------------------------

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "yggdrasil",
		Short:         "Preserve content and metadata across independent storage pillars",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newServeCmd(),
		newCollectionsCmd(),
		newChecksumsCmd(),
		newExistsCmd(),
		newFetchCmd(),
		newReconcileCmd(),
	)
	return root
}

// loadConfig reads the configuration and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Logging))
	return cfg, nil
}

// newLogger builds the slog logger for cfg.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
