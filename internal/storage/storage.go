// Package storage persists domains, scan tasks, results, path templates,
// settings, worker quota state, and system logs. SQLite is the primary
// backend; results can additionally be mirrored to MongoDB.
package storage

import (
	"context"
	"time"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// DomainSeed is one row of a ranked domain list being ingested.
type DomainSeed struct {
	Name string
	Rank int
}

// DomainStore manages the ranked domain inventory.
type DomainStore interface {
	// UpsertDomains inserts new domains and refreshes rank and
	// last-seen time for known ones. Scan status is never touched.
	UpsertDomains(ctx context.Context, seeds []DomainSeed) (created, updated int64, err error)

	// CountDomains returns the total inventory size.
	CountDomains(ctx context.Context) (int64, error)

	// CountUnscanned returns how many domains still await a scan.
	CountUnscanned(ctx context.Context) (int64, error)

	// DomainPage returns one page ordered by rank ascending. With
	// onlyUnscanned set, scanned domains are filtered out.
	DomainPage(ctx context.Context, onlyUnscanned bool, limit, offset int) ([]types.Domain, error)

	// MarkDomainsScanned flips has_been_scanned for the named domains
	// in a single transaction.
	MarkDomainsScanned(ctx context.Context, names []string) error

	// ResetAllScanStatus clears every domain's scanned flag and returns
	// how many rows changed.
	ResetAllScanStatus(ctx context.Context) (int64, error)
}

// TaskStore manages the scan task lifecycle.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.ScanTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*types.ScanTask, error)
	ListTasks(ctx context.Context, limit, offset int) ([]types.ScanTask, error)

	// MarkTaskRunning transitions pending to running. Returns
	// types.ErrTaskNotPending when the task is in any other state.
	MarkTaskRunning(ctx context.Context, id int64) error

	// SetTaskTotals records the planned URL count before probing starts.
	SetTaskTotals(ctx context.Context, id, totalURLs int64) error

	// UpdateTaskProgress persists the running tallies after each batch.
	UpdateTaskProgress(ctx context.Context, id, scannedURLs, hits int64, progress int) error

	MarkTaskCompleted(ctx context.Context, id int64) error
	MarkTaskFailed(ctx context.Context, id int64) error

	// ResetRunningTasks flips running tasks back to pending and returns
	// how many were reset. Used for startup recovery and stale cleanup.
	ResetRunningTasks(ctx context.Context) (int64, error)

	// ListTaskIDsByStatus returns task ids in creation order.
	ListTaskIDsByStatus(ctx context.Context, status types.TaskStatus) ([]int64, error)

	// CountActiveTasks counts tasks that are pending or running.
	CountActiveTasks(ctx context.Context) (int64, error)
}

// ResultFilter narrows result listings. Zero-value fields do not filter;
// Status is only applied when HasStatus is set, so callers can still match
// network errors stored as -1.
type ResultFilter struct {
	TaskID    int64
	Domain    string
	Status    int
	HasStatus bool
	Limit     int
	Offset    int
}

// ResultStore persists probe outcomes.
type ResultStore interface {
	// AppendResults writes a batch in one transaction.
	AppendResults(ctx context.Context, results []types.ScanResult) error

	// GetResult returns one row by id, or types.ErrResultNotFound.
	GetResult(ctx context.Context, id int64) (*types.ScanResult, error)

	ListResults(ctx context.Context, filter ResultFilter) ([]types.ScanResult, error)
	CountResults(ctx context.Context, filter ResultFilter) (int64, error)
}

// TemplateStore manages URL path templates and their hit filters.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tmpl *types.PathTemplate) (int64, error)
	UpdateTemplate(ctx context.Context, tmpl *types.PathTemplate) error
	DeleteTemplate(ctx context.Context, id int64) error
	GetTemplate(ctx context.Context, id int64) (*types.PathTemplate, error)
	ListTemplates(ctx context.Context, onlyEnabled bool) ([]types.PathTemplate, error)

	// FindTemplateBySource returns the template whose source string
	// matches exactly, or nil.
	FindTemplateBySource(ctx context.Context, source string) (*types.PathTemplate, error)
}

// SettingStore is a string key-value table with upsert semantics.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// WorkerRecord is the persisted view of a worker endpoint.
type WorkerRecord struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	DailyUsage   int64     `json:"daily_usage"`
	DailyQuota   int64     `json:"daily_quota"`
	QuotaResetAt time.Time `json:"quota_reset_at"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// WorkerStore persists worker registration and quota accounting. The
// quota methods satisfy worker.QuotaStore.
type WorkerStore interface {
	ListWorkers(ctx context.Context) ([]WorkerRecord, error)
	DeleteWorker(ctx context.Context, id string) error
	SetWorkerEnabled(ctx context.Context, id string, enabled bool) error
}

// LogEntry is one persisted system event. Level, Category, and Message are
// required; the remaining fields attach scan context when the event has
// any. A zero Timestamp is filled with the write time.
type LogEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	Details      string    `json:"details,omitempty"`
	TaskID       *int64    `json:"task_id,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	URL          string    `json:"url,omitempty"`
	ResponseCode *int      `json:"response_code,omitempty"`
	ResponseTime *int64    `json:"response_time,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogStore records notable system events for the operator surface.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	DomainStore
	TaskStore
	ResultStore
	TemplateStore
	SettingStore
	WorkerStore
	LogStore

	Close() error
}

// ResultSink receives result batches. Mirrors implement this.
type ResultSink interface {
	// StoreResults persists a batch of results.
	StoreResults(ctx context.Context, results []types.ScanResult) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the sink identifier.
	Name() string
}
