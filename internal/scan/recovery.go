package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
)

// recoveryStagger spaces out recovered task starts so a restart does not
// slam the probe budget all at once.
const recoveryStagger = time.Second

// RecoverInterrupted resets tasks left running by a previous process back
// to pending, then starts every pending task in the background, staggered
// one second apart. Recovered starts are treated as automation-driven, so
// they honor the gate. Returns how many running tasks were reset.
func (e *Executor) RecoverInterrupted(ctx context.Context) (int64, error) {
	reset, err := e.repo.ResetRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		e.logger.Info("reset interrupted tasks", "count", reset)
		if e.events != nil {
			entry := storage.LogEntry{
				Level:    "warn",
				Category: "scan",
				Message:  fmt.Sprintf("reset %d interrupted scan task(s) to pending", reset),
			}
			if err := e.events.AppendLog(ctx, entry); err != nil {
				e.logger.Debug("event log write failed", "error", err)
			}
		}
	}

	ids, err := e.repo.ListTaskIDsByStatus(ctx, types.TaskPending)
	if err != nil {
		return reset, err
	}
	for i, id := range ids {
		go e.startRecovered(ctx, id, time.Duration(i)*recoveryStagger)
	}
	if len(ids) > 0 {
		e.logger.Info("resuming pending tasks", "count", len(ids))
	}
	return reset, nil
}

func (e *Executor) startRecovered(ctx context.Context, taskID int64, delay time.Duration) {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if err := e.ExecuteScan(ctx, taskID, false); err != nil {
		e.logger.Warn("recovered task did not run", "task", taskID, "error", err)
	}
}
