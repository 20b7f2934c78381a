package types

import "time"

// StatusNetworkError is the probe status recorded for timeouts and
// transport-level failures, distinguishing them from real HTTP statuses.
const StatusNetworkError = -1

// ProbeResult is the outcome of probing a single URL. It is a value, never
// an error: failed probes carry StatusNetworkError and an Error string and
// still occupy their slot in the batch result vector.
type ProbeResult struct {
	// URL is the probed URL.
	URL string `json:"url"`

	// Status is the HTTP status code, or -1 on timeout/network error.
	Status int `json:"status"`

	// ContentType is the first Content-Type header value, if any.
	ContentType string `json:"contentType,omitempty"`

	// Size is the parsed Content-Length. Nil means the header was absent;
	// zero is a genuine zero-length response.
	Size *int64 `json:"size,omitempty"`

	// ResponseTime is the elapsed wall time in milliseconds.
	ResponseTime int64 `json:"responseTime"`

	// Error describes the failure when Status is -1 or the worker reported one.
	Error string `json:"error,omitempty"`
}

// SizeOrZero returns the measured size, mapping unknown to 0 for persistence.
func (r *ProbeResult) SizeOrZero() int64 {
	if r.Size == nil {
		return 0
	}
	return *r.Size
}

// ScanResult is one persisted, append-only scan outcome row.
type ScanResult struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	Domain      string    `json:"domain"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	ScannedAt   time.Time `json:"scanned_at"`
}

// ProgressSnapshot is handed to progress callbacks after each completed
// probe or worker sub-batch. Results accumulates in completion order and
// only grows, so consumers can persist Results[watermark:Completed] and
// advance the watermark without ever re-reading earlier entries.
type ProgressSnapshot struct {
	Completed int
	Total     int
	Results   []ProbeResult
}
