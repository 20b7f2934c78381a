// Package scan runs scan tasks: it expands templates against the domain
// inventory, probes the generated URLs through a local or remote-worker
// strategy, filters hits, and persists results with progress tracking.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
	"github.com/IshaanNene/Dragnet/internal/worker"
)

const (
	// maxSubBatchSize caps how many URLs ride in one worker call.
	maxSubBatchSize = 10

	// maxWorkerRetries bounds failed worker attempts per sub-batch before
	// falling back to a local scan. Block signals do not spend attempts.
	maxWorkerRetries = 3
)

// Strategy scans a batch of URLs and returns exactly one result per input
// URL, in input order. The progress callback sees accumulated results.
type Strategy interface {
	ScanBatch(ctx context.Context, urls []string, onProgress probe.ProgressFunc) []types.ProbeResult
	Name() string
}

// WorkerPool is the endpoint-pool surface the worker strategy drives.
// *worker.Pool satisfies it.
type WorkerPool interface {
	Select() (worker.Endpoint, *worker.Client, bool)
	RecordSuccess(id string)
	RecordFailure(id string)
	RecordRateLimit(id string)
	DisablePermanently(id, reason string)
	// IncrementUsage reports whether the charge exhausted the endpoint's
	// daily quota.
	IncrementUsage(ctx context.Context, id string, n int) bool
	HasAvailable() bool
}

// LocalStrategy probes directly with bounded concurrency.
type LocalStrategy struct {
	scanner     *probe.LocalScanner
	concurrency int
	timeout     time.Duration
}

// NewLocalStrategy wraps the local scanner with fixed parameters.
func NewLocalStrategy(scanner *probe.LocalScanner, concurrency int, timeout time.Duration) *LocalStrategy {
	return &LocalStrategy{
		scanner:     scanner,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

func (s *LocalStrategy) Name() string { return "local" }

func (s *LocalStrategy) ScanBatch(ctx context.Context, urls []string, onProgress probe.ProgressFunc) []types.ProbeResult {
	return s.scanner.ScanBatch(ctx, urls, s.concurrency, s.timeout, onProgress)
}

// WorkerStrategy fans sub-batches out to pooled remote workers. Failed
// sub-batches retry on other endpoints; blocked workers leave rotation
// without spending an attempt; when the pool is empty or attempts run out,
// the sub-batch is scanned locally so the result vector stays complete.
type WorkerStrategy struct {
	pool         WorkerPool
	fallback     *LocalStrategy
	batchSize    int
	probeTimeout time.Duration // per-URL timeout forwarded to workers
	retry        int           // client-side retry forwarded to workers
	metrics      *observability.Metrics
	events       EventLog
	logger       *slog.Logger
}

// NewWorkerStrategy builds a worker-backed strategy. batchSize is clamped
// to 1..10; events may be nil.
func NewWorkerStrategy(pool WorkerPool, fallback *LocalStrategy, batchSize int, probeTimeout time.Duration, retry int, metrics *observability.Metrics, events EventLog, logger *slog.Logger) *WorkerStrategy {
	if batchSize <= 0 || batchSize > maxSubBatchSize {
		batchSize = maxSubBatchSize
	}
	if metrics == nil {
		metrics = observability.NewMetrics(logger)
	}
	return &WorkerStrategy{
		pool:         pool,
		fallback:     fallback,
		batchSize:    batchSize,
		probeTimeout: probeTimeout,
		retry:        retry,
		metrics:      metrics,
		events:       events,
		logger:       logger.With("component", "worker_strategy"),
	}
}

func (s *WorkerStrategy) Name() string { return "worker" }

func (s *WorkerStrategy) ScanBatch(ctx context.Context, urls []string, onProgress probe.ProgressFunc) []types.ProbeResult {
	results := make([]types.ProbeResult, 0, len(urls))
	for start := 0; start < len(urls); start += s.batchSize {
		end := start + s.batchSize
		if end > len(urls) {
			end = len(urls)
		}
		sub := urls[start:end]

		results = append(results, s.scanSubBatch(ctx, sub)...)
		if onProgress != nil {
			onProgress(types.ProgressSnapshot{
				Completed: len(results),
				Total:     len(urls),
				Results:   results,
			})
		}
	}
	return results
}

// scanSubBatch tries remote workers, then falls back to a local scan.
func (s *WorkerStrategy) scanSubBatch(ctx context.Context, sub []string) []types.ProbeResult {
	attempts := 0
	for attempts < maxWorkerRetries && ctx.Err() == nil {
		ep, client, ok := s.pool.Select()
		if !ok {
			s.logger.Debug("no workers available", "urls", len(sub))
			break
		}

		req := worker.BatchRequest{
			URLs:    sub,
			Method:  "head",
			Timeout: int(s.probeTimeout / time.Second),
			Retry:   s.retry,
		}
		s.metrics.WorkerBatches.Add(1)
		results, err := client.ScanBatch(ctx, req)
		if err == nil {
			s.pool.RecordSuccess(ep.ID)
			if s.pool.IncrementUsage(ctx, ep.ID, len(sub)) {
				s.metrics.QuotaExhaustions.Add(1)
			}
			return results
		}

		var werr *types.WorkerError
		if errors.As(err, &werr) {
			if werr.IsBlock() {
				// The endpoint is burned; retry the same sub-batch on
				// another worker without spending an attempt.
				s.pool.DisablePermanently(ep.ID, string(werr.Reason))
				s.metrics.WorkerBlocks.Add(1)
				s.logger.Warn("worker blocked", "worker", ep.ID, "reason", werr.Reason)
				s.logBlock(ctx, ep, werr)
				continue
			}
			if werr.RateLimit > 0 {
				s.pool.RecordRateLimit(ep.ID)
			}
		}
		s.pool.RecordFailure(ep.ID)
		s.metrics.WorkerFailures.Add(1)
		attempts++
		s.logger.Debug("worker batch failed",
			"worker", ep.ID,
			"attempt", attempts,
			"error", err,
		)
	}

	s.metrics.WorkerFallbacks.Add(1)
	s.logger.Debug("falling back to local scan", "urls", len(sub))
	return s.fallback.ScanBatch(ctx, sub, nil)
}

// logBlock records a permanent endpoint disable in the system log so the
// operator sees burned workers without grepping slog output.
func (s *WorkerStrategy) logBlock(ctx context.Context, ep worker.Endpoint, werr *types.WorkerError) {
	if s.events == nil {
		return
	}
	entry := storage.LogEntry{
		Level:    "warn",
		Category: "worker",
		Message:  fmt.Sprintf("worker %s permanently disabled: %s", ep.ID, werr.Reason),
		URL:      ep.URL,
	}
	if err := s.events.AppendLog(ctx, entry); err != nil {
		s.logger.Debug("event log write failed", "error", err)
	}
}
