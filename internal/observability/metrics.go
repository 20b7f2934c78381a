// Package observability exposes operational counters in Prometheus text
// exposition format.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational metrics for the scan engine.
type Metrics struct {
	// Probe metrics
	ProbesTotal  atomic.Int64
	ProbeHits    atomic.Int64
	Probes2xx    atomic.Int64
	Probes3xx    atomic.Int64
	Probes4xx    atomic.Int64
	Probes5xx    atomic.Int64
	ProbeErrors  atomic.Int64
	HitsFiltered atomic.Int64

	// Task metrics
	TasksStarted   atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	ActiveScans    atomic.Int32

	// Worker metrics
	WorkerBatches    atomic.Int64
	WorkerFailures   atomic.Int64
	WorkerFallbacks  atomic.Int64
	WorkerBlocks     atomic.Int64
	QuotaExhaustions atomic.Int64

	// Automation metrics
	AutomationRuns atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ObserveStatus buckets one probe outcome by status class.
func (m *Metrics) ObserveStatus(status int) {
	if m == nil {
		return
	}
	m.ProbesTotal.Add(1)
	switch {
	case status >= 200 && status < 300:
		m.Probes2xx.Add(1)
	case status >= 300 && status < 400:
		m.Probes3xx.Add(1)
	case status >= 400 && status < 500:
		m.Probes4xx.Add(1)
	case status >= 500 && status < 600:
		m.Probes5xx.Add(1)
	default:
		m.ProbeErrors.Add(1)
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"dragnet_probes_total", "Total URL probes issued", m.ProbesTotal.Load()},
		{"dragnet_probe_hits_total", "Total probes persisted as hits", m.ProbeHits.Load()},
		{"dragnet_probes_2xx_total", "Total 2xx probe responses", m.Probes2xx.Load()},
		{"dragnet_probes_3xx_total", "Total 3xx probe responses", m.Probes3xx.Load()},
		{"dragnet_probes_4xx_total", "Total 4xx probe responses", m.Probes4xx.Load()},
		{"dragnet_probes_5xx_total", "Total 5xx probe responses", m.Probes5xx.Load()},
		{"dragnet_probe_errors_total", "Total network-level probe failures", m.ProbeErrors.Load()},
		{"dragnet_hits_filtered_total", "Total 200 responses dropped by template filters", m.HitsFiltered.Load()},
		{"dragnet_tasks_started_total", "Total scan tasks started", m.TasksStarted.Load()},
		{"dragnet_tasks_completed_total", "Total scan tasks completed", m.TasksCompleted.Load()},
		{"dragnet_tasks_failed_total", "Total scan tasks failed", m.TasksFailed.Load()},
		{"dragnet_active_scans", "Currently running scan tasks", int64(m.ActiveScans.Load())},
		{"dragnet_worker_batches_total", "Total batches dispatched to remote workers", m.WorkerBatches.Load()},
		{"dragnet_worker_failures_total", "Total failed worker batch calls", m.WorkerFailures.Load()},
		{"dragnet_worker_fallbacks_total", "Total sub-batches scanned locally after worker failures", m.WorkerFallbacks.Load()},
		{"dragnet_worker_blocks_total", "Total workers permanently disabled by block signals", m.WorkerBlocks.Load()},
		{"dragnet_quota_exhaustions_total", "Total daily quota exhaustion events", m.QuotaExhaustions.Load()},
		{"dragnet_automation_runs_total", "Total scheduled automation runs", m.AutomationRuns.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"probes_total":     m.ProbesTotal.Load(),
		"probe_hits":       m.ProbeHits.Load(),
		"probes_2xx":       m.Probes2xx.Load(),
		"probes_4xx":       m.Probes4xx.Load(),
		"probes_5xx":       m.Probes5xx.Load(),
		"probe_errors":     m.ProbeErrors.Load(),
		"hits_filtered":    m.HitsFiltered.Load(),
		"tasks_started":    m.TasksStarted.Load(),
		"tasks_completed":  m.TasksCompleted.Load(),
		"tasks_failed":     m.TasksFailed.Load(),
		"active_scans":     int64(m.ActiveScans.Load()),
		"worker_batches":   m.WorkerBatches.Load(),
		"worker_failures":  m.WorkerFailures.Load(),
		"worker_fallbacks": m.WorkerFallbacks.Load(),
		"worker_blocks":    m.WorkerBlocks.Load(),
		"automation_runs":  m.AutomationRuns.Load(),
	}
}
