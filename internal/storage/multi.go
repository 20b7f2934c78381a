package storage

import (
	"context"
	"log/slog"

	"github.com/IshaanNene/Dragnet/internal/types"
)

type resultAppender interface {
	AppendResults(ctx context.Context, results []types.ScanResult) error
}

// MirroredResults writes result batches to a primary store and fans them
// out to secondary sinks. The primary write must succeed; mirror failures
// are logged and swallowed so an archive outage never stalls a scan.
type MirroredResults struct {
	primary resultAppender
	mirrors []ResultSink
	logger  *slog.Logger
}

// NewMirroredResults wraps primary with best-effort mirrors.
func NewMirroredResults(primary resultAppender, mirrors []ResultSink, logger *slog.Logger) *MirroredResults {
	return &MirroredResults{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With("component", "mirrored_results"),
	}
}

// AppendResults persists to the primary store, then mirrors.
func (m *MirroredResults) AppendResults(ctx context.Context, results []types.ScanResult) error {
	if err := m.primary.AppendResults(ctx, results); err != nil {
		return err
	}
	for _, sink := range m.mirrors {
		if err := sink.StoreResults(ctx, results); err != nil {
			m.logger.Error("mirror store failed", "sink", sink.Name(), "error", err)
		}
	}
	return nil
}

// Close closes every mirror. The primary store is owned by the caller.
func (m *MirroredResults) Close() error {
	var firstErr error
	for _, sink := range m.mirrors {
		if err := sink.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
