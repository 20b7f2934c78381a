package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/Dragnet/internal/api"
	"github.com/IshaanNene/Dragnet/internal/automation"
	"github.com/IshaanNene/Dragnet/internal/config"
	"github.com/IshaanNene/Dragnet/internal/ingest"
	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/preview"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/scan"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/worker"
)

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scanning engine and REST API",
		Long: `Run the full engine: REST API, automation scheduler, worker pool,
and result storage. Scan tuning is read from the settings table, which is
seeded from the config file on first start and editable over the API.`,
		RunE: runServe,
	}
}

// runServe wires every component together and blocks until a signal.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, store, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := storage.NewSettings(store, logger)
	if err := seedSettings(ctx, cfg, store, settings); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	prober := probe.NewProber(probe.Options{
		UserAgent:    cfg.Scan.UserAgent,
		TLSInsecure:  cfg.Scan.TLSInsecure,
		MaxIdleConns: cfg.Scan.MaxIdleConns,
	}, logger)
	defer prober.Close()
	scanner := probe.NewLocalScanner(prober, logger)

	// Remote worker pool, only when worker mode is on.
	var pool *worker.Pool
	if settings.WorkerModeEnabled(ctx) {
		pool = worker.NewPool(worker.Config{
			HealthCheckInterval: cfg.Worker.HealthCheckInterval,
			UnhealthyThreshold:  cfg.Worker.UnhealthyThreshold,
			CooldownPeriod:      cfg.Worker.CooldownPeriod,
			RateLimitCooldown:   cfg.Worker.RateLimitCooldown,
			DailyQuota:          cfg.Worker.DailyQuota,
			CallTimeout:         cfg.Worker.CallTimeout,
		}, store, logger)
		for _, rawURL := range settings.WorkerURLs(ctx) {
			if _, err := pool.AddEndpoint(ctx, rawURL); err != nil {
				logger.Warn("worker endpoint rejected", "url", rawURL, "error", err)
			}
		}
		go pool.RunHealthChecks(ctx)

		resetter := automation.NewQuotaResetter(pool, cfg.Automation.QuotaResetCheck, logger)
		go resetter.Run(ctx)
	}

	// Results land in SQLite, mirrored to Mongo when configured.
	var results scan.ResultWriter = store
	if cfg.MongoEnabled() {
		mirror, err := storage.NewMongoMirror(cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, "scan_results", logger)
		if err != nil {
			logger.Warn("mongo mirror unavailable, writing to SQLite only", "error", err)
		} else {
			defer mirror.Close()
			results = storage.NewMirroredResults(store, []storage.ResultSink{mirror}, logger)
		}
	}

	controller := automation.NewController(settings, store, logger)

	execOpts := scan.Options{Gate: controller, Events: store, Metrics: metrics}
	if pool != nil {
		execOpts.Pool = pool
	}
	executor := scan.NewExecutor(store, results, settings, scanner, execOpts, logger)

	if n, err := executor.RecoverInterrupted(ctx); err != nil {
		logger.Warn("task recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("requeued interrupted tasks", "count", n)
	}

	ingester := ingest.NewCSVIngester(store, settings, ingest.Options{
		BatchSize:   cfg.Ingest.BatchSize,
		MaxRows:     cfg.Ingest.MaxRows,
		Timeout:     cfg.Ingest.Timeout,
		TLSInsecure: cfg.Ingest.TLSInsecure,
	}, logger)

	var previewer *preview.Previewer
	if cfg.Preview.Enabled {
		popts := preview.Options{
			MaxBodySize: cfg.Preview.MaxBodySize,
			Timeout:     cfg.Preview.Timeout,
		}
		if cfg.Preview.Browser {
			browser, err := preview.NewBrowser(preview.BrowserOptions{
				Timeout: cfg.Preview.Timeout,
				Bin:     cfg.Preview.BrowserBin,
			}, logger)
			if err != nil {
				logger.Warn("headless renderer unavailable, previews stay static", "error", err)
			} else {
				defer browser.Close()
				popts.Renderer = browser
			}
		}
		previewer = preview.NewPreviewer(popts, logger)
	}

	scheduler := automation.NewScheduler(automation.Config{
		IncrementalTick:  cfg.Automation.IncrementalCheck,
		RescanTick:       cfg.Automation.RescanCheck,
		IncrementalEvery: cfg.Automation.IncrementalInterval,
		RescanEvery:      cfg.Automation.RescanInterval,
	}, store, settings, executor, ingester, store, metrics, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Storage.LogRetention > 0 {
		go pruneLogs(ctx, store, cfg.Storage.LogRetention, logger)
	}

	apiOpts := api.Options{
		Addr:       cfg.Server.Addr,
		MaxConns:   cfg.Server.MaxConns,
		Version:    config.Version,
		Store:      store,
		Settings:   settings,
		Scans:      executor,
		Automation: controller,
		Ingester:   ingester,
		Metrics:    metrics,
	}
	if pool != nil {
		apiOpts.Pool = pool
	}
	if previewer != nil {
		apiOpts.Previewer = previewer
	}
	server := api.NewServer(apiOpts, logger)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("dragnet running",
		"addr", server.Addr(),
		"db", cfg.Storage.Path,
		"worker_mode", pool != nil,
		"mongo_mirror", cfg.MongoEnabled(),
	)

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down...", "signal", sig)

	cancel()
	for _, id := range executor.RunningTasks() {
		executor.StopTask(id)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", "error", err)
	}
	return nil
}

// seedSettings writes config values into the settings table, but only for
// keys that do not exist yet. API edits survive restarts this way.
func seedSettings(ctx context.Context, cfg *config.Config, store *storage.SQLite, settings *storage.Settings) error {
	seed := map[string]string{
		storage.KeyMaxConcurrency:   strconv.Itoa(cfg.Scan.Concurrency),
		storage.KeyRequestTimeout:   strconv.Itoa(int(cfg.Scan.RequestTimeout / time.Second)),
		storage.KeyRetryCount:       strconv.Itoa(cfg.Scan.RetryCount),
		storage.KeyEnableWorkerMode: strconv.FormatBool(cfg.Worker.Enabled),
		storage.KeyWorkerBatchSize:  strconv.Itoa(cfg.Worker.BatchSize),
		storage.KeyWorkerTimeout:    strconv.Itoa(int(cfg.Worker.CallTimeout / time.Millisecond)),
		storage.KeyWorkerDailyQuota: strconv.FormatInt(cfg.Worker.DailyQuota, 10),
	}
	if cfg.Ingest.URL != "" {
		seed[storage.KeyCSVURL] = cfg.Ingest.URL
	}

	for key, value := range seed {
		_, ok, err := store.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := store.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}

	if len(cfg.Worker.URLs) > 0 && len(settings.WorkerURLs(ctx)) == 0 {
		if err := settings.SetWorkerURLs(ctx, cfg.Worker.URLs); err != nil {
			return err
		}
	}
	return nil
}

// pruneLogs trims old system log rows once an hour.
func pruneLogs(ctx context.Context, store *storage.SQLite, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if n, err := store.PruneLogs(ctx, time.Now().Add(-retention)); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("log pruning failed", "error", err)
		} else if n > 0 {
			logger.Debug("pruned old logs", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
