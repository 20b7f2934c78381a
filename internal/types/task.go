package types

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a scan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskTarget selects which domains a task covers.
type TaskTarget string

const (
	// TargetIncremental scans only domains not yet marked as scanned.
	TargetIncremental TaskTarget = "incremental"

	// TargetFull scans every domain in the list.
	TargetFull TaskTarget = "full"
)

// ScanTask is one unit of scanning work over the domain list.
type ScanTask struct {
	// ID is the storage row identifier.
	ID int64 `json:"id"`

	// Name is a human-readable label, e.g. "Auto Incremental Scan - ...".
	Name string `json:"name"`

	// Target selects incremental or full coverage.
	Target TaskTarget `json:"target"`

	// URLTemplate is one template string or a comma-joined list.
	URLTemplate string `json:"url_template"`

	// Status follows pending -> running -> (completed|failed).
	Status TaskStatus `json:"status"`

	// Progress is a 0-100 integer derived from scanned vs total URLs.
	Progress int `json:"progress"`

	// TotalURLs is domains x templates at task start.
	TotalURLs int64 `json:"total_urls"`

	// ScannedURLs counts probes already executed.
	ScannedURLs int64 `json:"scanned_urls"`

	// Hits counts 200 responses that passed template filters.
	Hits int64 `json:"hits"`

	// Concurrency bounds local parallelism (1..1000).
	Concurrency int `json:"concurrency"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewScanTask creates a pending task with defaults applied.
func NewScanTask(name string, target TaskTarget, urlTemplate string, concurrency int) *ScanTask {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 1000 {
		concurrency = 1000
	}
	return &ScanTask{
		Name:        name,
		Target:      target,
		URLTemplate: urlTemplate,
		Status:      TaskPending,
		Concurrency: concurrency,
		CreatedAt:   time.Now().UTC(),
	}
}

// Templates splits the comma-joined URLTemplate into trimmed entries.
// Empty entries are dropped.
func (t *ScanTask) Templates() []string {
	return SplitTemplates(t.URLTemplate)
}

// SplitTemplates splits a comma-joined template list into trimmed,
// non-empty entries.
func SplitTemplates(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsTerminal reports whether the task reached a final state.
func (t *ScanTask) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}
