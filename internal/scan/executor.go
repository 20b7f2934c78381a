package scan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/template"
	"github.com/IshaanNene/Dragnet/internal/types"
)

const (
	// DefaultURLTemplate probes the domain root when a task names no
	// templates and no registry templates are enabled.
	DefaultURLTemplate = "https://{domain}"

	// localProbeTimeout bounds each probe when scanning locally.
	localProbeTimeout = 10 * time.Second

	// appendRetries and appendBackoff shape the result-write retry loop.
	// The backoff doubles after every failed attempt.
	appendRetries = 3
	appendBackoff = time.Second
)

// Repository is the persistence surface the executor needs. *storage.SQLite
// satisfies it.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*types.ScanTask, error)
	MarkTaskRunning(ctx context.Context, id int64) error
	SetTaskTotals(ctx context.Context, id, totalURLs int64) error
	UpdateTaskProgress(ctx context.Context, id, scannedURLs, hits int64, progress int) error
	MarkTaskCompleted(ctx context.Context, id int64) error
	MarkTaskFailed(ctx context.Context, id int64) error
	ResetRunningTasks(ctx context.Context) (int64, error)
	ListTaskIDsByStatus(ctx context.Context, status types.TaskStatus) ([]int64, error)

	CountDomains(ctx context.Context) (int64, error)
	CountUnscanned(ctx context.Context) (int64, error)
	DomainPage(ctx context.Context, onlyUnscanned bool, limit, offset int) ([]types.Domain, error)
	MarkDomainsScanned(ctx context.Context, names []string) error

	ListTemplates(ctx context.Context, onlyEnabled bool) ([]types.PathTemplate, error)
}

// ResultWriter receives result batches. storage.SQLite or a
// storage.MirroredResults fan-out both satisfy it.
type ResultWriter interface {
	AppendResults(ctx context.Context, results []types.ScanResult) error
}

// Gate reports whether automation-driven work may start. Manual starts
// bypass it.
type Gate interface {
	ShouldRun(ctx context.Context) bool
}

// EventLog records notable events for the operator surface.
type EventLog interface {
	AppendLog(ctx context.Context, entry storage.LogEntry) error
}

// Options carries the executor's optional collaborators.
type Options struct {
	// Gate pauses non-manual starts when automation is disabled.
	Gate Gate

	// Pool enables the worker strategy when set and populated.
	Pool WorkerPool

	// Events receives task lifecycle entries. Nil disables event logging.
	Events EventLog

	Metrics *observability.Metrics
}

// Executor drives scan tasks end to end: totals, strategy selection, URL
// generation, probing, filtering, persistence, and progress tracking.
type Executor struct {
	repo     Repository
	results  ResultWriter
	settings *storage.Settings
	scanner  *probe.LocalScanner
	gate     Gate
	pool     WorkerPool
	events   EventLog
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// NewExecutor wires the scan executor.
func NewExecutor(repo Repository, results ResultWriter, settings *storage.Settings, scanner *probe.LocalScanner, opts Options, logger *slog.Logger) *Executor {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(logger)
	}
	return &Executor{
		repo:     repo,
		results:  results,
		settings: settings,
		scanner:  scanner,
		gate:     opts.Gate,
		pool:     opts.Pool,
		events:   opts.Events,
		metrics:  metrics,
		logger:   logger.With("component", "scan_executor"),
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// ExecuteScan runs one pending task to completion. manualStart bypasses the
// automation gate; automation-driven starts are refused while the gate is
// closed, before the task is even loaded. The task is only transitioned to
// running after its templates validate, so a bad template leaves it pending.
func (e *Executor) ExecuteScan(ctx context.Context, taskID int64, manualStart bool) error {
	if !manualStart && e.gate != nil && !e.gate.ShouldRun(ctx) {
		return types.ErrAutomationDisabled
	}

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskPending {
		return types.ErrTaskNotPending
	}

	sources := task.Templates()
	if len(sources) == 0 {
		sources = types.SplitTemplates(e.settings.DefaultURLTemplate(ctx))
	}
	if len(sources) == 0 {
		sources = []string{DefaultURLTemplate}
	}
	for _, src := range sources {
		if err := template.ValidateTemplate(src); err != nil {
			return err
		}
	}

	if err := e.repo.MarkTaskRunning(ctx, taskID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, taskID)
		e.mu.Unlock()
		cancel()
	}()

	e.metrics.TasksStarted.Add(1)
	e.metrics.ActiveScans.Add(1)
	defer e.metrics.ActiveScans.Add(-1)

	e.logger.Info("scan started",
		"task", taskID,
		"name", task.Name,
		"target", task.Target,
		"templates", len(sources),
	)
	e.logEvent(ctx, "info", taskID, fmt.Sprintf("scan task %d (%s) started", taskID, task.Name))

	// Terminal status updates must outlive a cancelled run context.
	finishCtx := context.WithoutCancel(ctx)

	if err := e.run(runCtx, task, sources); err != nil {
		if markErr := e.repo.MarkTaskFailed(finishCtx, taskID); markErr != nil {
			e.logger.Error("failed to mark task failed", "task", taskID, "error", markErr)
		}
		e.metrics.TasksFailed.Add(1)
		e.logger.Error("scan failed", "task", taskID, "error", err)
		e.logEvent(finishCtx, "error", taskID, fmt.Sprintf("scan task %d failed: %v", taskID, err))
		return &types.ScanError{TaskID: taskID, Err: err}
	}

	if err := e.repo.MarkTaskCompleted(finishCtx, taskID); err != nil {
		return err
	}
	e.metrics.TasksCompleted.Add(1)
	e.logger.Info("scan completed", "task", taskID)
	e.logEvent(finishCtx, "info", taskID, fmt.Sprintf("scan task %d completed", taskID))
	return nil
}

// StopTask cancels a running task. The task drains in-flight probes,
// persists what completed, and is marked failed.
func (e *Executor) StopTask(taskID int64) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
		e.logger.Info("stop requested", "task", taskID)
	}
	return ok
}

// RunningTasks returns the ids currently executing, in no particular order.
func (e *Executor) RunningTasks() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.cancels))
	for id := range e.cancels {
		ids = append(ids, id)
	}
	return ids
}

// urlSource records which domain and template source produced a URL, so
// results can be attributed and filtered. First writer wins on duplicates.
type urlSource struct {
	domain string
	source string
}

// expandedSource is one task template with its date-range expansion.
type expandedSource struct {
	source   string
	variants []string
}

func (e *Executor) run(ctx context.Context, task *types.ScanTask, sources []string) error {
	onlyUnscanned := task.Target == types.TargetIncremental

	var (
		totalDomains int64
		err          error
	)
	if onlyUnscanned {
		totalDomains, err = e.repo.CountUnscanned(ctx)
	} else {
		totalDomains, err = e.repo.CountDomains(ctx)
	}
	if err != nil {
		return err
	}

	pageSize := e.settings.ScanBatchSize(ctx)
	subdomains := e.settings.CommonSubdomains(ctx)
	protoFallback := e.settings.ProtocolFallbackEnabled(ctx)

	// Totals use the template count before date expansion, so progress is
	// approximate for range templates and clamped at 100.
	totalURLs := totalDomains * int64(len(sources)) * int64(1+len(subdomains))
	if err := e.repo.SetTaskTotals(ctx, task.ID, totalURLs); err != nil {
		return err
	}

	plan, truncated := buildPlan(sources)
	if truncated {
		e.logger.Warn("date-range expansion truncated", "task", task.ID)
	}

	filters, err := e.loadFilters(ctx)
	if err != nil {
		return err
	}

	strategy := e.pickStrategy(ctx, task)
	e.logger.Info("strategy selected", "task", task.ID, "strategy", strategy.Name(), "total_urls", totalURLs)

	var (
		scanned    int64
		hits       int64
		markBuffer = make([]string, 0, pageSize)
		offset     = 0
	)

	for {
		if ctx.Err() != nil {
			return types.ErrScanStopped
		}

		page, err := e.repo.DomainPage(ctx, onlyUnscanned, pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		urls, meta := e.buildURLs(page, plan, subdomains)
		if len(urls) > 0 {
			pageHits, results, err := e.scanPage(ctx, task, strategy, urls, meta, filters)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return types.ErrScanStopped
			}
			scanned += int64(len(urls))
			hits += pageHits

			if protoFallback {
				n, fbHits, err := e.retryOverHTTP(ctx, task, strategy, results, meta, filters)
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return types.ErrScanStopped
				}
				scanned += n
				hits += fbHits
			}
		}

		for _, d := range page {
			markBuffer = append(markBuffer, d.Name)
		}
		if len(markBuffer) >= pageSize {
			if err := e.repo.MarkDomainsScanned(ctx, markBuffer); err != nil {
				return err
			}
			markBuffer = markBuffer[:0]
		}

		progress := progressPercent(scanned, totalURLs)
		if err := e.repo.UpdateTaskProgress(ctx, task.ID, scanned, hits, progress); err != nil {
			return err
		}
		e.logger.Info("page scanned",
			"task", task.ID,
			"domains", len(page),
			"scanned", scanned,
			"hits", hits,
			"progress", progress,
		)

		if len(page) < pageSize {
			break
		}
		if !onlyUnscanned {
			// Incremental pages keep offset 0: marking domains scanned
			// removes them from the filtered set, so the next page is
			// always read from the front.
			offset += len(page)
		}
	}

	if len(markBuffer) > 0 {
		if err := e.repo.MarkDomainsScanned(ctx, markBuffer); err != nil {
			return err
		}
	}
	return e.repo.UpdateTaskProgress(ctx, task.ID, scanned, hits, progressPercent(scanned, totalURLs))
}

// buildPlan expands each template's date ranges, spending a shared variant
// budget so pathological ranges cannot explode a task.
func buildPlan(sources []string) ([]expandedSource, bool) {
	budget := template.DefaultMaxExpandResults
	plan := make([]expandedSource, 0, len(sources))
	truncated := false

	for _, src := range sources {
		if budget <= 0 {
			truncated = true
			break
		}
		variants, capped := template.ExpandAllDateRanges(src)
		truncated = truncated || capped
		if len(variants) > budget {
			variants = variants[:budget]
			truncated = true
		}
		budget -= len(variants)
		plan = append(plan, expandedSource{source: src, variants: variants})
	}
	return plan, truncated
}

// loadFilters indexes the enabled templates by their exact source string.
// Disabling a template suspends its filter along with it.
func (e *Executor) loadFilters(ctx context.Context) (map[string]*types.PathTemplate, error) {
	templates, err := e.repo.ListTemplates(ctx, true)
	if err != nil {
		return nil, err
	}
	filters := make(map[string]*types.PathTemplate, len(templates))
	for i := range templates {
		filters[templates[i].Template] = &templates[i]
	}
	return filters, nil
}

// pickStrategy chooses once per task: remote workers when worker mode is on
// and the pool has an available endpoint, local probing otherwise.
func (e *Executor) pickStrategy(ctx context.Context, task *types.ScanTask) Strategy {
	concurrency := task.Concurrency
	if concurrency <= 0 {
		concurrency = e.settings.ScanConcurrency(ctx)
	}
	probeTimeout := e.settings.ScanTimeout(ctx)
	if probeTimeout <= 0 {
		probeTimeout = localProbeTimeout
	}
	local := NewLocalStrategy(e.scanner, concurrency, probeTimeout)

	if e.pool != nil && e.settings.WorkerModeEnabled(ctx) && e.pool.HasAvailable() {
		return NewWorkerStrategy(
			e.pool,
			local,
			e.settings.WorkerBatchSize(ctx),
			e.settings.RequestTimeout(ctx),
			e.settings.RetryCount(ctx),
			e.metrics,
			e.events,
			e.logger,
		)
	}
	return local
}

// buildURLs materializes every planned variant for every domain in the
// page, plus the configured common-subdomain hosts when discovery is on.
// Duplicate URLs are still probed; attribution keeps the first
// domain/template pair that produced them, with results always credited
// to the inventory domain.
func (e *Executor) buildURLs(page []types.Domain, plan []expandedSource, subdomains []string) ([]string, map[string]urlSource) {
	hostsPer := 1 + len(subdomains)
	urls := make([]string, 0, len(page)*len(plan)*hostsPer)
	meta := make(map[string]urlSource, len(page)*len(plan)*hostsPer)
	now := time.Now()

	for _, d := range page {
		hosts := make([]string, 0, hostsPer)
		hosts = append(hosts, d.Name)
		for _, sub := range subdomains {
			hosts = append(hosts, sub+"."+d.Name)
		}

		rank := d.Rank
		vars := template.Vars{Now: now, Rank: &rank}

		for _, host := range hosts {
			parsed, err := template.ParseDomain(host)
			if err != nil {
				e.logger.Debug("skipping unparseable domain", "domain", host, "error", err)
				continue
			}
			for _, ps := range plan {
				for _, variant := range ps.variants {
					u := template.Materialize(variant, parsed, vars)
					urls = append(urls, u)
					if _, ok := meta[u]; !ok {
						meta[u] = urlSource{domain: d.Name, source: ps.source}
					}
				}
			}
		}
	}
	return urls, meta
}

// retryOverHTTP reprobes https URLs that died on a network error as plain
// http, persisting whatever the second attempt finds. Returns how many
// retries ran and how many hits they produced.
func (e *Executor) retryOverHTTP(ctx context.Context, task *types.ScanTask, strategy Strategy, results []types.ProbeResult, meta map[string]urlSource, filters map[string]*types.PathTemplate) (int64, int64, error) {
	var retry []string
	retryMeta := make(map[string]urlSource)

	for i := range results {
		r := &results[i]
		if r.Status != types.StatusNetworkError {
			continue
		}
		rest, ok := strings.CutPrefix(r.URL, "https://")
		if !ok {
			continue
		}
		src, ok := meta[r.URL]
		if !ok {
			continue
		}
		u := "http://" + rest
		if _, dup := retryMeta[u]; dup {
			continue
		}
		retry = append(retry, u)
		retryMeta[u] = src
	}
	if len(retry) == 0 {
		return 0, 0, nil
	}

	e.logger.Debug("retrying unreachable https probes over http", "task", task.ID, "urls", len(retry))
	hits, _, err := e.scanPage(ctx, task, strategy, retry, retryMeta, filters)
	if err != nil {
		return 0, 0, err
	}
	return int64(len(retry)), hits, nil
}

// scanPage probes one page's URLs and persists results incrementally from
// the progress callbacks: each invocation saves Results[watermark:Completed]
// and advances the watermark, so a crash loses at most one unsaved batch.
// Returns the number of hits persisted for the page and the full result
// vector.
func (e *Executor) scanPage(ctx context.Context, task *types.ScanTask, strategy Strategy, urls []string, meta map[string]urlSource, filters map[string]*types.PathTemplate) (int64, []types.ProbeResult, error) {
	var (
		watermark  int
		hits       int64
		persistErr error
	)

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()

	// Writes outlive a stop request so in-flight probe results are kept.
	persistCtx := context.WithoutCancel(ctx)

	onProgress := func(snap types.ProgressSnapshot) {
		if persistErr != nil || snap.Completed <= watermark {
			return
		}
		batch := snap.Results[watermark:snap.Completed]
		n, err := e.persistResults(persistCtx, task, batch, meta, filters)
		if err != nil {
			persistErr = err
			cancelScan()
			return
		}
		hits += n
		watermark = snap.Completed
	}

	results := strategy.ScanBatch(scanCtx, urls, onProgress)
	if persistErr != nil {
		return 0, nil, persistErr
	}

	// Strategies report through the callback, so this only catches a batch
	// that produced results without ever invoking it.
	if ctx.Err() == nil && watermark < len(results) {
		n, err := e.persistResults(persistCtx, task, results[watermark:], meta, filters)
		if err != nil {
			return 0, nil, err
		}
		hits += n
	}
	return hits, results, nil
}

// persistResults filters a batch and appends the survivors in one write,
// retrying transient storage failures with doubling backoff.
func (e *Executor) persistResults(ctx context.Context, task *types.ScanTask, batch []types.ProbeResult, meta map[string]urlSource, filters map[string]*types.PathTemplate) (int64, error) {
	rows := make([]types.ScanResult, 0, len(batch))
	var hits int64
	now := time.Now().UTC()

	for i := range batch {
		pr := &batch[i]
		e.metrics.ObserveStatus(pr.Status)

		src, ok := meta[pr.URL]
		if !ok {
			e.logger.Debug("dropping result with unknown URL", "url", pr.URL)
			continue
		}
		keep, hit := e.filterResult(pr, src.source, filters)
		if !keep {
			continue
		}
		if hit {
			hits++
			e.metrics.ProbeHits.Add(1)
		}
		rows = append(rows, types.ScanResult{
			TaskID:      task.ID,
			Domain:      src.domain,
			URL:         pr.URL,
			Status:      pr.Status,
			ContentType: pr.ContentType,
			Size:        pr.SizeOrZero(),
			ScannedAt:   now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	backoff := appendBackoff
	var err error
	for attempt := 1; attempt <= appendRetries; attempt++ {
		err = e.results.AppendResults(ctx, rows)
		if err == nil {
			return hits, nil
		}
		if attempt == appendRetries {
			break
		}
		e.logger.Warn("result write failed, retrying",
			"task", task.ID,
			"attempt", attempt,
			"rows", len(rows),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, err
}

// filterResult decides whether a probe outcome is persisted and whether it
// counts as a hit. Non-200 responses are always persisted and never hits.
// A 200 is checked against the filter of the template that produced its
// URL; failing the filter drops the row entirely. A 200 from a source with
// no registered template is an unfiltered hit.
func (e *Executor) filterResult(pr *types.ProbeResult, source string, filters map[string]*types.PathTemplate) (keep, hit bool) {
	if pr.Status != http.StatusOK {
		return true, false
	}
	tmpl := filters[source]
	if tmpl == nil {
		return true, true
	}
	if !tmpl.AcceptsContentType(pr.ContentType) {
		e.metrics.HitsFiltered.Add(1)
		return false, false
	}
	if !tmpl.AcceptsSize(pr.Size) {
		e.metrics.HitsFiltered.Add(1)
		return false, false
	}
	return true, true
}

func (e *Executor) logEvent(ctx context.Context, level string, taskID int64, message string) {
	if e.events == nil {
		return
	}
	entry := storage.LogEntry{Level: level, Category: "scan", Message: message, TaskID: &taskID}
	if err := e.events.AppendLog(ctx, entry); err != nil {
		e.logger.Debug("event log write failed", "error", err)
	}
}

// progressPercent maps scanned/total to 0-100. Date-range expansion can
// push scanned past the pre-expansion total, so the result is clamped. An
// empty inventory reads as done.
func progressPercent(scanned, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(scanned) / float64(total) * 100))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
