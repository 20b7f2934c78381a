package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/Dragnet/internal/automation"
	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/scan"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
)

var (
	scanName        string
	scanTarget      string
	scanTemplates   string
	scanConcurrency int
)

// scanCmd creates the "scan" subcommand: a one-shot scan over the stored
// domain inventory, local probing only.
func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a one-shot scan over the domain inventory",
		Long: `Create and run a single scan task in the foreground. Incremental
targets cover only unscanned domains; full targets cover everything.
Without --templates, the enabled path templates from the registry are
used, falling back to probing the bare domain root.`,
		RunE: runScan,
	}

	cmd.Flags().StringVar(&scanName, "name", "", "task name (default: timestamped)")
	cmd.Flags().StringVarP(&scanTarget, "target", "t", "incremental", "scan target: incremental or full")
	cmd.Flags().StringVar(&scanTemplates, "templates", "", "comma-separated URL templates, e.g. https://{domain}/backup.zip")
	cmd.Flags().IntVarP(&scanConcurrency, "concurrency", "n", 0, "concurrent probes (0 = use settings)")

	return cmd
}

// runScan executes the scan command.
func runScan(cmd *cobra.Command, args []string) error {
	cfg, store, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := types.TaskTarget(scanTarget)
	if target != types.TargetFull && target != types.TargetIncremental {
		return fmt.Errorf("target must be full or incremental, got %q", scanTarget)
	}

	settings := storage.NewSettings(store, logger)

	total, err := store.CountDomains(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("domain inventory is empty — run 'dragnet ingest' first")
	}

	templates := scanTemplates
	if templates == "" {
		templates = registryTemplates(ctx, store)
	}

	name := scanName
	if name == "" {
		name = "CLI Scan - " + time.Now().Format(time.RFC3339)
	}
	concurrency := scanConcurrency
	if concurrency <= 0 {
		concurrency = settings.ScanConcurrency(ctx)
	}

	task := types.NewScanTask(name, target, templates, concurrency)
	id, err := store.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	prober := probe.NewProber(probe.Options{
		UserAgent:    cfg.Scan.UserAgent,
		TLSInsecure:  cfg.Scan.TLSInsecure,
		MaxIdleConns: cfg.Scan.MaxIdleConns,
	}, logger)
	defer prober.Close()
	scanner := probe.NewLocalScanner(prober, logger)

	controller := automation.NewController(settings, store, logger)
	executor := scan.NewExecutor(store, store, settings, scanner, scan.Options{
		Gate:    controller,
		Events:  store,
		Metrics: observability.NewMetrics(logger),
	}, logger)

	// Ctrl-C stops the task; the executor marks it failed on its way out.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("stopping scan...")
		executor.StopTask(id)
	}()

	logger.Info("starting scan",
		"task", id,
		"target", target,
		"templates", task.Templates(),
		"concurrency", concurrency,
	)

	start := time.Now()
	runErr := executor.ExecuteScan(ctx, id, true)
	elapsed := time.Since(start)

	done, err := store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("\nScan %s in %s\n", done.Status, elapsed.Round(time.Millisecond))
	fmt.Printf("   URLs:    %d of %d probed\n", done.ScannedURLs, done.TotalURLs)
	fmt.Printf("   Hits:    %d\n", done.Hits)
	fmt.Printf("   Task:    #%d %s\n", done.ID, done.Name)
	if done.Hits > 0 {
		fmt.Printf("\nInspect hits with: dragnet export -o hits.csv --task %d\n", done.ID)
	}

	return runErr
}

// registryTemplates joins the enabled path templates into a task template
// list. Empty means the executor probes the bare domain root.
func registryTemplates(ctx context.Context, store *storage.SQLite) string {
	templates, err := store.ListTemplates(ctx, true)
	if err != nil || len(templates) == 0 {
		return ""
	}
	sources := make([]string, len(templates))
	for i, t := range templates {
		sources[i] = t.Template
	}
	return strings.Join(sources, ",")
}

var (
	exportFormat string
	exportOutput string
	exportTask   int64
	exportDomain string
	exportStatus int
)

// exportCmd creates the "export" subcommand.
func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export scan results to a file",
		Long:  "Export stored scan results as JSON, JSONL, or CSV, with optional task, domain, and status filters.",
		RunE:  runExport,
	}

	cmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format: json, jsonl, csv")
	cmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file path (required)")
	cmd.Flags().Int64Var(&exportTask, "task", 0, "only results from this task id")
	cmd.Flags().StringVar(&exportDomain, "domain", "", "only results for this domain")
	cmd.Flags().IntVar(&exportStatus, "status", -1, "only results with this HTTP status (-1 = all)")
	cmd.MarkFlagRequired("output")

	return cmd
}

// runExport pages through stored results and writes them out.
func runExport(cmd *cobra.Command, args []string) error {
	_, store, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	exporter, err := storage.NewResultExporter(exportFormat, exportOutput, logger)
	if err != nil {
		return err
	}

	filter := storage.ResultFilter{
		TaskID: exportTask,
		Domain: exportDomain,
	}
	if exportStatus >= 0 {
		filter.Status = exportStatus
		filter.HasStatus = true
	}

	const pageSize = 1000
	var exported int64
	for offset := 0; ; offset += pageSize {
		filter.Limit = pageSize
		filter.Offset = offset

		page, err := store.ListResults(ctx, filter)
		if err != nil {
			exporter.Close()
			return err
		}
		if len(page) == 0 {
			break
		}
		if err := exporter.Write(page); err != nil {
			exporter.Close()
			return err
		}
		exported += int64(len(page))
	}

	if err := exporter.Close(); err != nil {
		return err
	}

	fmt.Printf("Exported %d results to %s (%s)\n", exported, exportOutput, exporter.Name())
	return nil
}
