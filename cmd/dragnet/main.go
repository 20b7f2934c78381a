package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/Dragnet/internal/config"
	"github.com/IshaanNene/Dragnet/internal/storage"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dragnet",
		Short: "Dragnet — ranked domain exposure scanner",
		Long: `Dragnet probes ranked domain lists for exposed files: backups, dumps,
archives, and anything else a URL path template can describe.

Features:
  • HEAD-probe sweeps over Tranco-style ranked domain lists
  • URL path templates with domain, date, and rank placeholders
  • Per-template hit filters (content type, size window)
  • Remote worker batches with daily quotas and local failover
  • Automation gate plus incremental and long-cycle rescan schedulers
  • SQLite persistence with optional MongoDB result mirroring
  • REST API, hit previews, JSON/JSONL/CSV export`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Dragnet %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Server:\n")
			fmt.Printf("  Addr:              %s\n", cfg.Server.Addr)
			fmt.Printf("  Max Conns:         %d\n", cfg.Server.MaxConns)
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Path:              %s\n", cfg.Storage.Path)
			fmt.Printf("  Mongo Mirror:      %v\n", cfg.MongoEnabled())
			fmt.Printf("  Log Retention:     %s\n", cfg.Storage.LogRetention)
			fmt.Printf("\nScan:\n")
			fmt.Printf("  Concurrency:       %d\n", cfg.Scan.Concurrency)
			fmt.Printf("  Request Timeout:   %s\n", cfg.Scan.RequestTimeout)
			fmt.Printf("  Retry Count:       %d\n", cfg.Scan.RetryCount)
			fmt.Printf("  TLS Insecure:      %v\n", cfg.Scan.TLSInsecure)
			fmt.Printf("\nWorkers:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Worker.Enabled)
			fmt.Printf("  Endpoints:         %d configured\n", len(cfg.Worker.URLs))
			fmt.Printf("  Batch Size:        %d\n", cfg.Worker.BatchSize)
			fmt.Printf("  Daily Quota:       %d\n", cfg.Worker.DailyQuota)
			fmt.Printf("\nAutomation:\n")
			fmt.Printf("  Incremental Every: %s\n", cfg.Automation.IncrementalInterval)
			fmt.Printf("  Rescan Every:      %s\n", cfg.Automation.RescanInterval)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// setupLogger creates a structured logger from the logging section. The
// verbose flag wins over the configured level.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v, using stderr\n", cfg.Output, err)
		} else {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// loadEnvironment loads config and opens the database, the shared prologue
// of every data-touching command.
func loadEnvironment() (*config.Config, *storage.SQLite, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	store, err := storage.NewSQLite(cfg.Storage.Path, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, store, logger, nil
}
