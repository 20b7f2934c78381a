package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// maxLocalConcurrency is the hard upper bound on in-flight local probes.
const maxLocalConcurrency = 1000

// ProgressFunc receives a snapshot after each completed probe or worker
// sub-batch. Snapshot.Results only ever grows; callers use the watermark
// pattern (persist Results[lastSaved:Completed]) for incremental saves.
// Invocations for one batch are serialized.
type ProgressFunc func(types.ProgressSnapshot)

// LocalScanner runs a URL batch through the Prober with bounded parallelism.
type LocalScanner struct {
	prober *Prober
	logger *slog.Logger
}

// NewLocalScanner creates a LocalScanner on top of a shared Prober.
func NewLocalScanner(prober *Prober, logger *slog.Logger) *LocalScanner {
	return &LocalScanner{
		prober: prober,
		logger: logger.With("component", "local_scanner"),
	}
}

// ScanBatch probes urls with at most concurrency in flight and returns one
// result per input URL, in input order. onProgress (optional) is invoked
// serially as probes complete, with results accumulated in completion
// order. Cancelling ctx stops new probes from being issued; in-flight
// probes run to completion or their own timeout, and never-issued URLs are
// filled with cancellation results so the vector stays complete.
func (s *LocalScanner) ScanBatch(ctx context.Context, urls []string, concurrency int, timeout time.Duration, onProgress ProgressFunc) []types.ProbeResult {
	if len(urls) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxLocalConcurrency {
		concurrency = maxLocalConcurrency
	}

	ordered := make([]types.ProbeResult, len(urls))
	issued := make([]bool, len(urls))
	accumulated := make([]types.ProbeResult, 0, len(urls))

	var mu sync.Mutex

	// In-flight probes survive a parent cancel; their own timeout bounds them.
	probeCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, u := range urls {
		if ctx.Err() != nil {
			break
		}
		issued[i] = true

		g.Go(func() error {
			res := s.prober.Probe(probeCtx, u, timeout)

			mu.Lock()
			ordered[i] = res
			accumulated = append(accumulated, res)
			if onProgress != nil {
				onProgress(types.ProgressSnapshot{
					Completed: len(accumulated),
					Total:     len(urls),
					Results:   accumulated,
				})
			}
			mu.Unlock()
			return nil
		})
	}

	g.Wait()

	if err := ctx.Err(); err != nil {
		skipped := 0
		for i := range urls {
			if !issued[i] {
				ordered[i] = types.ProbeResult{
					URL:    urls[i],
					Status: types.StatusNetworkError,
					Error:  "scan cancelled",
				}
				skipped++
			}
		}
		if skipped > 0 {
			s.logger.Info("batch cancelled", "completed", len(urls)-skipped, "skipped", skipped)
		}
	}

	return ordered
}
