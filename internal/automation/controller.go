// Package automation gates and schedules unattended scanning: the pause
// switch consulted before automation-driven task starts, the incremental
// and full-rescan loops, and the daily worker quota reset.
package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/IshaanNene/Dragnet/internal/storage"
)

// EventLog records automation events for the operator surface.
type EventLog interface {
	AppendLog(ctx context.Context, entry storage.LogEntry) error
}

// Status is the operator view of the automation switch.
type Status struct {
	Enabled      bool       `json:"enabled"`
	LastPausedAt *time.Time `json:"last_paused_at,omitempty"`
	Uptime       string     `json:"uptime"`
}

// Controller owns the persisted automation on/off switch. It satisfies the
// scan executor's Gate, so flipping it off holds back every non-manual
// task start across restarts.
type Controller struct {
	settings  *storage.Settings
	events    EventLog
	logger    *slog.Logger
	startedAt time.Time
}

// NewController wires the automation switch. events may be nil.
func NewController(settings *storage.Settings, events EventLog, logger *slog.Logger) *Controller {
	return &Controller{
		settings:  settings,
		events:    events,
		logger:    logger.With("component", "automation"),
		startedAt: time.Now(),
	}
}

// Enabled reads the persisted switch. Missing or unreadable state reads as
// enabled, the default.
func (c *Controller) Enabled(ctx context.Context) bool {
	return c.settings.AutomationEnabled(ctx)
}

// ShouldRun implements the scan executor's gate.
func (c *Controller) ShouldRun(ctx context.Context) bool {
	return c.Enabled(ctx)
}

// Enable turns automation back on.
func (c *Controller) Enable(ctx context.Context) error {
	if err := c.settings.SetBool(ctx, storage.KeyAutomationEnabled, true); err != nil {
		return err
	}
	c.logger.Info("automation enabled")
	c.logEvent(ctx, "info", "automation enabled")
	return nil
}

// Disable pauses automation and records when, so the operator surface can
// show how long the system has been held.
func (c *Controller) Disable(ctx context.Context) error {
	if err := c.settings.SetBool(ctx, storage.KeyAutomationEnabled, false); err != nil {
		return err
	}
	if err := c.settings.SetTime(ctx, storage.KeyLastPausedAt, time.Now()); err != nil {
		return err
	}
	c.logger.Info("automation disabled")
	c.logEvent(ctx, "warn", "automation disabled")
	return nil
}

// SetEnabled flips the switch to the requested state.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return c.Enable(ctx)
	}
	return c.Disable(ctx)
}

// Toggle inverts the switch and returns the new state.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	next := !c.Enabled(ctx)
	if err := c.SetEnabled(ctx, next); err != nil {
		return false, err
	}
	return next, nil
}

// Status reports the switch state, the last pause time, and an uptime:
// time since the last recorded pause when enabled, time since process
// start when never paused. A paused system reads 0s.
func (c *Controller) Status(ctx context.Context) Status {
	st := Status{Enabled: c.Enabled(ctx)}
	if t, ok := c.settings.Time(ctx, storage.KeyLastPausedAt); ok {
		st.LastPausedAt = &t
	}
	switch {
	case !st.Enabled:
		st.Uptime = "0s"
	case st.LastPausedAt != nil:
		st.Uptime = time.Since(*st.LastPausedAt).Round(time.Second).String()
	default:
		st.Uptime = time.Since(c.startedAt).Round(time.Second).String()
	}
	return st
}

func (c *Controller) logEvent(ctx context.Context, level, message string) {
	if c.events == nil {
		return
	}
	entry := storage.LogEntry{Level: level, Category: "automation", Message: message}
	if err := c.events.AppendLog(ctx, entry); err != nil {
		c.logger.Debug("event log write failed", "error", err)
	}
}
