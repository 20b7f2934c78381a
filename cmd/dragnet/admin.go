package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/Dragnet/internal/config"
	"github.com/IshaanNene/Dragnet/internal/ingest"
	"github.com/IshaanNene/Dragnet/internal/preview"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/template"
	"github.com/IshaanNene/Dragnet/internal/types"
)

var (
	ingestURL     string
	ingestFile    string
	ingestMaxRows int
)

// ingestCmd creates the "ingest" subcommand.
func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a ranked domain list into the inventory",
		Long: `Download a Tranco-style ranked domain list (rank,domain CSV; plain,
gzip, or zip) and upsert it into the domain inventory. Without --url or
--file, the configured csv_url setting is used.`,
		RunE: runIngest,
	}

	cmd.Flags().StringVar(&ingestURL, "url", "", "list URL (overrides the stored setting)")
	cmd.Flags().StringVar(&ingestFile, "file", "", "local list file instead of a download")
	cmd.Flags().IntVar(&ingestMaxRows, "max-rows", 0, "stop after this many domains (0 = all)")

	return cmd
}

// runIngest executes the ingest command.
func runIngest(cmd *cobra.Command, args []string) error {
	cfg, store, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if ingestURL != "" {
		if err := config.ValidateURL(ingestURL); err != nil {
			return err
		}
	}

	settings := storage.NewSettings(store, logger)
	ingester := ingest.NewCSVIngester(store, settings, ingest.Options{
		URL:         ingestURL,
		BatchSize:   cfg.Ingest.BatchSize,
		MaxRows:     maxRows(cfg.Ingest.MaxRows),
		Timeout:     cfg.Ingest.Timeout,
		TLSInsecure: cfg.Ingest.TLSInsecure,
	}, logger)

	var res ingest.Result
	if ingestFile != "" {
		res, err = ingester.IngestFile(ctx, ingestFile)
	} else {
		var created, updated int64
		created, updated, err = ingester.Sync(ctx)
		res = ingest.Result{Created: created, Updated: updated}
	}
	if err != nil {
		return err
	}

	total, err := store.CountDomains(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Ingest complete: %d new, %d updated, %d skipped\n", res.Created, res.Updated, res.Skipped)
	fmt.Printf("Inventory now holds %d domains\n", total)
	return nil
}

// maxRows prefers the flag over the config value.
func maxRows(configured int) int {
	if ingestMaxRows > 0 {
		return ingestMaxRows
	}
	return configured
}

var (
	tmplName         string
	tmplSource       string
	tmplDescription  string
	tmplExpectedType string
	tmplExcludeType  bool
	tmplMinSize      int64
	tmplMaxSize      int64
	tmplDisabled     bool
)

// templateCmd creates the "template" subcommand group.
func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage the path template registry",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered path templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer store.Close()

			templates, err := store.ListTemplates(context.Background(), false)
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Println("No templates registered. Add one with 'dragnet template add'.")
				return nil
			}
			for _, t := range templates {
				state := "enabled"
				if !t.Enabled {
					state = "disabled"
				}
				fmt.Printf("#%d [%s] %s\n    %s\n", t.ID, state, t.Name, t.Template)
				if t.ExpectedContentType != "" || t.ExcludeContentType || t.MinSize > 0 || t.MaxSize != nil {
					fmt.Printf("    filters: %s\n", describeFilters(&t))
				}
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a path template",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer store.Close()

			tmpl := &types.PathTemplate{
				Name:                tmplName,
				Template:            tmplSource,
				Description:         tmplDescription,
				ExpectedContentType: tmplExpectedType,
				ExcludeContentType:  tmplExcludeType,
				MinSize:             tmplMinSize,
				Enabled:             !tmplDisabled,
			}
			if tmplMaxSize > 0 {
				tmpl.MaxSize = &tmplMaxSize
			}
			if err := tmpl.Validate(); err != nil {
				return err
			}
			if err := template.ValidateTemplate(tmpl.Template); err != nil {
				return err
			}

			id, err := store.CreateTemplate(context.Background(), tmpl)
			if err != nil {
				return err
			}
			fmt.Printf("Template #%d registered: %s\n", id, tmpl.Template)
			return nil
		},
	}
	addCmd.Flags().StringVar(&tmplName, "name", "", "template name")
	addCmd.Flags().StringVar(&tmplSource, "template", "", "URL template, e.g. https://{domain}/backup.zip (required)")
	addCmd.Flags().StringVar(&tmplDescription, "description", "", "what this template finds")
	addCmd.Flags().StringVar(&tmplExpectedType, "expected-type", "", "content type a hit must carry")
	addCmd.Flags().BoolVar(&tmplExcludeType, "exclude-type", false, "invert the expected-type filter: matching content types disqualify a hit")
	addCmd.Flags().Int64Var(&tmplMinSize, "min-size", 0, "minimum hit size in bytes")
	addCmd.Flags().Int64Var(&tmplMaxSize, "max-size", 0, "maximum hit size in bytes (0 = unlimited)")
	addCmd.Flags().BoolVar(&tmplDisabled, "disabled", false, "register without enabling")
	addCmd.MarkFlagRequired("template")

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a path template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTemplate(args[0], func(ctx context.Context, store *storage.SQLite, tmpl *types.PathTemplate) error {
				if err := store.DeleteTemplate(ctx, tmpl.ID); err != nil {
					return err
				}
				fmt.Printf("Template #%d deleted\n", tmpl.ID)
				return nil
			})
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable [id]",
		Short: "Enable a path template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTemplateEnabled(args[0], true)
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable [id]",
		Short: "Disable a path template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTemplateEnabled(args[0], false)
		},
	}

	cmd.AddCommand(listCmd, addCmd, deleteCmd, enableCmd, disableCmd)
	return cmd
}

// withTemplate resolves a template by id argument and runs fn against it.
func withTemplate(arg string, fn func(context.Context, *storage.SQLite, *types.PathTemplate) error) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid template id %q", arg)
	}

	_, store, _, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	tmpl, err := store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if tmpl == nil {
		return fmt.Errorf("template #%d not found", id)
	}
	return fn(ctx, store, tmpl)
}

func setTemplateEnabled(arg string, enabled bool) error {
	return withTemplate(arg, func(ctx context.Context, store *storage.SQLite, tmpl *types.PathTemplate) error {
		tmpl.Enabled = enabled
		if err := store.UpdateTemplate(ctx, tmpl); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Template #%d %s\n", tmpl.ID, state)
		return nil
	})
}

func describeFilters(t *types.PathTemplate) string {
	var parts []string
	if t.ExpectedContentType != "" {
		parts = append(parts, "type="+t.ExpectedContentType)
	}
	if t.ExcludeContentType {
		parts = append(parts, "exclude-type")
	}
	if t.MinSize > 0 {
		parts = append(parts, fmt.Sprintf("min=%d", t.MinSize))
	}
	if t.MaxSize != nil {
		parts = append(parts, fmt.Sprintf("max=%d", *t.MaxSize))
	}
	return strings.Join(parts, " ")
}

var workerPurge bool

// workerCmd creates the "worker" subcommand group. The serve process
// rebuilds its pool from the persisted URL list on startup.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage remote worker endpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured workers and their quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			settings := storage.NewSettings(store, logger)
			urls := settings.WorkerURLs(ctx)
			if len(urls) == 0 {
				fmt.Println("No workers configured. Add one with 'dragnet worker add <url>'.")
				return nil
			}

			records, err := store.ListWorkers(ctx)
			if err != nil {
				return err
			}
			usage := make(map[string]storage.WorkerRecord, len(records))
			for _, rec := range records {
				usage[rec.URL] = rec
			}

			for _, u := range urls {
				if rec, ok := usage[u]; ok {
					fmt.Printf("%s\n    quota %d/%d, resets %s\n",
						u, rec.DailyUsage, rec.DailyQuota, rec.QuotaResetAt.Format("2006-01-02 15:04"))
				} else {
					fmt.Printf("%s\n    no usage recorded yet\n", u)
				}
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add [url]",
		Short: "Add a worker endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawURL := args[0]
			if err := config.ValidateWorkerURL(rawURL); err != nil {
				return err
			}

			_, store, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			settings := storage.NewSettings(store, logger)
			urls := settings.WorkerURLs(ctx)
			for _, u := range urls {
				if u == rawURL {
					return fmt.Errorf("worker %s is already configured", rawURL)
				}
			}

			if err := settings.SetWorkerURLs(ctx, append(urls, rawURL)); err != nil {
				return err
			}
			fmt.Printf("Worker added: %s (%d total)\n", rawURL, len(urls)+1)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove [url]",
		Short: "Remove a worker endpoint",
		Long: `Remove a worker from the configured list. Its quota row is kept so
re-adding the worker the same day cannot reset its budget; --purge drops
the quota row too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawURL := args[0]

			_, store, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			settings := storage.NewSettings(store, logger)
			urls := settings.WorkerURLs(ctx)

			kept := urls[:0]
			for _, u := range urls {
				if u != rawURL {
					kept = append(kept, u)
				}
			}
			if len(kept) == len(urls) {
				return fmt.Errorf("worker %s is not configured", rawURL)
			}
			if err := settings.SetWorkerURLs(ctx, kept); err != nil {
				return err
			}

			if workerPurge {
				records, err := store.ListWorkers(ctx)
				if err != nil {
					return err
				}
				for _, rec := range records {
					if rec.URL == rawURL {
						if err := store.DeleteWorker(ctx, rec.ID); err != nil {
							return err
						}
						break
					}
				}
			}

			fmt.Printf("Worker removed: %s (%d remaining)\n", rawURL, len(kept))
			return nil
		},
	}
	removeCmd.Flags().BoolVar(&workerPurge, "purge", false, "also drop the worker's quota accounting")

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

var (
	previewRender bool
	previewCSS    []string
	previewXPath  []string
)

// previewCmd creates the "preview" subcommand.
func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview [url-or-result-id]",
		Short: "Fetch a hit back and inspect what is actually served",
		Long: `Fetch a URL, or the URL of a stored scan result given its numeric id,
and summarize the page: status, content type, size, title, description,
canonical link. CSS or XPath rules extract extra fields; --render loads
the page in a headless browser first so JS-built content is visible.`,
		Args: cobra.ExactArgs(1),
		RunE: runPreview,
	}

	cmd.Flags().BoolVar(&previewRender, "render", false, "render with the headless browser before inspecting")
	cmd.Flags().StringArrayVar(&previewCSS, "css", nil, "extraction rule name=selector (repeatable)")
	cmd.Flags().StringArrayVar(&previewXPath, "xpath", nil, "extraction rule name=expression (repeatable)")

	return cmd
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, store, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	target := args[0]
	if id, convErr := strconv.ParseInt(target, 10, 64); convErr == nil {
		result, err := store.GetResult(ctx, id)
		if err != nil {
			return err
		}
		target = result.URL
	}

	rules, err := parseRules(previewCSS, previewXPath)
	if err != nil {
		return err
	}

	popts := preview.Options{
		MaxBodySize: cfg.Preview.MaxBodySize,
		Timeout:     cfg.Preview.Timeout,
	}
	if previewRender {
		browser, err := preview.NewBrowser(preview.BrowserOptions{
			Timeout: cfg.Preview.Timeout,
			Bin:     cfg.Preview.BrowserBin,
		}, logger)
		if err != nil {
			return fmt.Errorf("headless renderer unavailable: %w", err)
		}
		defer browser.Close()
		popts.Renderer = browser
	}
	previewer := preview.NewPreviewer(popts, logger)

	sum, err := previewer.Preview(ctx, target, rules, previewRender)
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

// parseRules converts name=selector flag values into extraction rules.
func parseRules(css, xpath []string) ([]preview.Rule, error) {
	var rules []preview.Rule
	add := func(kind string, specs []string) error {
		for _, spec := range specs {
			name, sel, ok := strings.Cut(spec, "=")
			if !ok || name == "" || sel == "" {
				return fmt.Errorf("invalid rule %q, want name=selector", spec)
			}
			rules = append(rules, preview.Rule{Name: name, Type: kind, Selector: sel})
		}
		return nil
	}
	if err := add("css", css); err != nil {
		return nil, err
	}
	if err := add("xpath", xpath); err != nil {
		return nil, err
	}
	return rules, nil
}

func printSummary(sum *preview.Summary) {
	contentType := sum.ContentType
	if contentType == "" {
		contentType = "unknown type"
	}
	fmt.Printf("%s\n    status %d, %s, %d bytes, took %s\n", sum.URL, sum.Status, contentType, sum.Size, sum.Duration)
	if sum.FinalURL != "" && sum.FinalURL != sum.URL {
		fmt.Printf("    redirected to %s\n", sum.FinalURL)
	}
	if sum.Rendered {
		fmt.Println("    rendered with headless browser")
	}
	if sum.Truncated {
		fmt.Println("    body truncated at the size cap")
	}
	if sum.Title != "" {
		fmt.Printf("    title: %s\n", sum.Title)
	}
	if sum.Description != "" {
		fmt.Printf("    description: %s\n", sum.Description)
	}
	if sum.Canonical != "" {
		fmt.Printf("    canonical: %s\n", sum.Canonical)
	}
	for name, value := range sum.Fields {
		fmt.Printf("    %s: %v\n", name, value)
	}
}
