package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/hyperengineering/eventual/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "eventual",
	Short:        "Eventual - offline-first object sync",
	Long:         "Inspect and replay the offline write queue, or run a local reference object store.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides EVENTUAL_CONFIG_PATH)")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(devserverCmd)
}

// setup loads configuration and installs the default logger.
func setup(logOut io.Writer) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(logOut, opts)
	} else {
		handler = slog.NewJSONHandler(logOut, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("configuration loaded", "app_id", cfg.App.ID, "storage_driver", cfg.Storage.Driver)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
