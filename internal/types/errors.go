package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrInvalidTemplate    = errors.New("invalid URL template")
	ErrAutomationDisabled = errors.New("automation is disabled")
	ErrTaskNotFound       = errors.New("scan task not found")
	ErrTaskNotPending     = errors.New("scan task is not pending")
	ErrResultNotFound     = errors.New("scan result not found")
	ErrEmptyPool          = errors.New("no available worker endpoints")
	ErrQuotaExhausted     = errors.New("daily quota exhausted")
	ErrWorkerDisabled     = errors.New("worker endpoint permanently disabled")
	ErrInvalidWorkerURL   = errors.New("invalid worker URL")
	ErrTimeout            = errors.New("request timed out")
	ErrMaxRetries         = errors.New("max retries exceeded")
	ErrScanStopped        = errors.New("scan has been stopped")
	ErrNoDomainList       = errors.New("no domain list URL configured")
)

// BlockReason tags why a worker endpoint was taken out of rotation.
type BlockReason string

const (
	BlockNotDeployed    BlockReason = "not_deployed"
	BlockAccountBlocked BlockReason = "account_blocked"
)

// TemplateError reports an unsupported or malformed placeholder token.
type TemplateError struct {
	Template string
	Token    string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("template error in %q (token %s): %v", e.Template, e.Token, e.Err)
	}
	return fmt.Sprintf("template error in %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// WorkerError wraps errors from a remote worker endpoint.
type WorkerError struct {
	WorkerID  string
	URL       string
	Reason    BlockReason // non-empty when the worker signalled a block
	RateLimit time.Duration
	Err       error
}

func (e *WorkerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("worker %s blocked (%s): %v", e.WorkerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("worker %s error: %v", e.WorkerID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// IsBlock reports whether the error carries a permanent block signal.
func (e *WorkerError) IsBlock() bool { return e.Reason != "" }

// StorageError wraps errors from a persistence backend.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ScanError wraps a task-level failure with the task it belongs to.
type ScanError struct {
	TaskID int64
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan task %d: %v", e.TaskID, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }
