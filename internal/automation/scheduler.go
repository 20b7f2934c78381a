package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/scan"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
)

// Store is the persistence surface the scheduler needs. *storage.SQLite
// satisfies it.
type Store interface {
	CreateTask(ctx context.Context, task *types.ScanTask) (int64, error)
	ResetRunningTasks(ctx context.Context) (int64, error)
	CountActiveTasks(ctx context.Context) (int64, error)
	ResetAllScanStatus(ctx context.Context) (int64, error)
	ListTemplates(ctx context.Context, onlyEnabled bool) ([]types.PathTemplate, error)
}

// ScanRunner executes tasks. *scan.Executor satisfies it.
type ScanRunner interface {
	ExecuteScan(ctx context.Context, taskID int64, manualStart bool) error
	RunningTasks() []int64
}

// Ingester refreshes the domain inventory from the configured ranked list.
type Ingester interface {
	Sync(ctx context.Context) (created, updated int64, err error)
}

// Config shapes the scheduler's timing. Ticks are how often the conditions
// are re-checked; Every is how much time must have passed since the last
// run of that kind.
type Config struct {
	IncrementalTick  time.Duration
	RescanTick       time.Duration
	IncrementalEvery time.Duration
	RescanEvery      time.Duration
}

// DefaultConfig checks incremental conditions hourly (at most one run per
// day) and rescan conditions daily (at most one run per 180 days).
func DefaultConfig() Config {
	return Config{
		IncrementalTick:  time.Hour,
		RescanTick:       24 * time.Hour,
		IncrementalEvery: 24 * time.Hour,
		RescanEvery:      180 * 24 * time.Hour,
	}
}

// Scheduler drives the two unattended scan loops: a daily incremental scan
// of newly-seen domains, and a long-cycle full rescan that clears scan
// status first. Both loops run their check immediately on start, then on
// every tick.
type Scheduler struct {
	cfg      Config
	store    Store
	settings *storage.Settings
	runner   ScanRunner
	ingester Ingester
	events   EventLog
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler wires the automation scheduler. ingester and events may be
// nil; a nil metrics gets a private registry.
func NewScheduler(cfg Config, store Store, settings *storage.Settings, runner ScanRunner, ingester Ingester, events EventLog, metrics *observability.Metrics, logger *slog.Logger) *Scheduler {
	if metrics == nil {
		metrics = observability.NewMetrics(logger)
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		settings: settings,
		runner:   runner,
		ingester: ingester,
		events:   events,
		metrics:  metrics,
		logger:   logger.With("component", "scan_scheduler"),
	}
}

// Start launches both loops. Stop or cancelling ctx ends them. Calling
// Start on a running scheduler restarts it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.IncrementalTick)
		defer ticker.Stop()

		s.runIncremental(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runIncremental(ctx)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.cfg.RescanTick)
		defer ticker.Stop()

		s.runRescan(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRescan(ctx)
			}
		}
	}()

	s.logger.Info("scheduler started",
		"incremental_tick", s.cfg.IncrementalTick,
		"rescan_tick", s.cfg.RescanTick,
	)
}

// Stop ends both loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// runIncremental creates and executes one incremental scan task when all
// conditions hold: automation on, incremental scans on, no active task,
// and no run within the last IncrementalEvery.
func (s *Scheduler) runIncremental(ctx context.Context) {
	if !s.settings.AutomationEnabled(ctx) || !s.settings.IncrementalEnabled(ctx) {
		s.logger.Debug("incremental scan skipped", "reason", "disabled")
		return
	}
	if s.hasActiveTask(ctx) {
		s.logger.Info("incremental scan skipped", "reason", "task already active")
		return
	}
	if last, ok := s.settings.Time(ctx, storage.KeyLastIncrementalRun); ok && time.Since(last) < s.cfg.IncrementalEvery {
		s.logger.Debug("incremental scan skipped", "reason", "ran recently", "last", last)
		return
	}

	if s.ingester != nil {
		created, updated, err := s.ingester.Sync(ctx)
		if err != nil {
			// Stale inventory still scans; the next tick retries the sync.
			s.logger.Warn("domain list sync failed", "error", err)
		} else {
			s.logger.Info("domain list synced", "created", created, "updated", updated)
		}
	}

	name := "Auto Incremental Scan - " + time.Now().Format(time.RFC3339)
	task := types.NewScanTask(name, types.TargetIncremental, s.templateList(ctx), s.settings.ScanConcurrency(ctx))
	id, err := s.store.CreateTask(ctx, task)
	if err != nil {
		s.logger.Error("creating incremental task failed", "error", err)
		return
	}
	if err := s.settings.SetTime(ctx, storage.KeyLastIncrementalRun, time.Now()); err != nil {
		s.logger.Warn("recording incremental run time failed", "error", err)
	}
	s.metrics.AutomationRuns.Add(1)
	s.logEvent(ctx, "info", fmt.Sprintf("incremental scan task %d created", id))

	go func() {
		if err := s.runner.ExecuteScan(ctx, id, false); err != nil {
			s.logger.Warn("incremental scan did not run", "task", id, "error", err)
		}
	}()
}

// runRescan clears every domain's scan status and runs a full-target task
// when automation and rescans are on, nothing is active, and the last
// rescan is older than RescanEvery.
func (s *Scheduler) runRescan(ctx context.Context) {
	if !s.settings.AutomationEnabled(ctx) || !s.settings.RescanEnabled(ctx) {
		s.logger.Debug("rescan skipped", "reason", "disabled")
		return
	}
	if s.hasActiveTask(ctx) {
		s.logger.Info("rescan skipped", "reason", "task already active")
		return
	}
	if last, ok := s.settings.Time(ctx, storage.KeyLastRescanRun); ok && time.Since(last) < s.cfg.RescanEvery {
		s.logger.Debug("rescan skipped", "reason", "ran recently", "last", last)
		return
	}

	cleared, err := s.store.ResetAllScanStatus(ctx)
	if err != nil {
		s.logger.Error("resetting scan status failed", "error", err)
		return
	}
	s.logger.Info("scan status reset for rescan", "domains", cleared)

	name := "Auto Full Rescan - " + time.Now().Format(time.RFC3339)
	task := types.NewScanTask(name, types.TargetFull, s.templateList(ctx), s.settings.ScanConcurrency(ctx))
	id, err := s.store.CreateTask(ctx, task)
	if err != nil {
		s.logger.Error("creating rescan task failed", "error", err)
		return
	}
	if err := s.settings.SetTime(ctx, storage.KeyLastRescanRun, time.Now()); err != nil {
		s.logger.Warn("recording rescan run time failed", "error", err)
	}
	s.metrics.AutomationRuns.Add(1)
	s.logEvent(ctx, "info", fmt.Sprintf("full rescan task %d created (%d domains reset)", id, cleared))

	go func() {
		if err := s.runner.ExecuteScan(ctx, id, false); err != nil {
			s.logger.Warn("rescan did not run", "task", id, "error", err)
		}
	}()
}

// hasActiveTask reports whether any task is pending or running. Tasks
// marked running in storage while nothing executes in-process are leftovers
// from a dead process and are flipped back to pending first. Storage errors
// read as inactive so a broken count cannot wedge automation forever.
func (s *Scheduler) hasActiveTask(ctx context.Context) bool {
	if len(s.runner.RunningTasks()) > 0 {
		return true
	}
	if n, err := s.store.ResetRunningTasks(ctx); err != nil {
		s.logger.Warn("stale task cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("reset stale running tasks", "count", n)
	}

	active, err := s.store.CountActiveTasks(ctx)
	if err != nil {
		s.logger.Warn("active task count failed", "error", err)
		return false
	}
	return active > 0
}

// templateList builds the template list for auto-created tasks: the
// enabled registry templates, then the configured default, then the
// domain root.
func (s *Scheduler) templateList(ctx context.Context) string {
	templates, err := s.store.ListTemplates(ctx, true)
	if err != nil {
		s.logger.Warn("listing templates failed", "error", err)
		templates = nil
	}
	if len(templates) > 0 {
		parts := make([]string, len(templates))
		for i := range templates {
			parts[i] = templates[i].Template
		}
		return strings.Join(parts, ",")
	}
	if def := s.settings.DefaultURLTemplate(ctx); def != "" {
		return def
	}
	return scan.DefaultURLTemplate
}

func (s *Scheduler) logEvent(ctx context.Context, level, message string) {
	if s.events == nil {
		return
	}
	entry := storage.LogEntry{Level: level, Category: "scheduler", Message: message}
	if err := s.events.AppendLog(ctx, entry); err != nil {
		s.logger.Debug("event log write failed", "error", err)
	}
}
