package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Setting keys. Values are stored as strings; the typed accessors below
// parse them and fall back to defaults on missing or malformed values.
// request_timeout is in seconds, worker_timeout and scan_timeout in
// milliseconds.
const (
	KeyEnableWorkerMode   = "enable_worker_mode"
	KeyWorkerURLs         = "worker_urls"
	KeyMaxConcurrency     = "max_concurrency"
	KeyRequestTimeout     = "request_timeout"
	KeyRetryCount         = "retry_count"
	KeyWorkerBatchSize    = "worker_batch_size"
	KeyWorkerTimeout      = "worker_timeout"
	KeyWorkerDailyQuota   = "worker_daily_quota"
	KeyAutomationEnabled  = "automation_enabled"
	KeyLastPausedAt       = "automation_last_paused"
	KeyIncrementalEnabled = "automation_incremental_enabled"
	KeyRescanEnabled      = "automation_rescan_enabled"
	KeyLastIncrementalRun = "automation_last_incremental"
	KeyLastRescanRun      = "automation_last_rescan"
	KeyCSVURL             = "csv_url"
	KeyScanConcurrency    = "scan_concurrency"
	KeyScanTimeout        = "scan_timeout"
	KeyScanBatchSize      = "scan_batch_size"
	KeyProtocolFallback   = "enable_protocol_fallback"
	KeySubdomainDiscovery = "enable_subdomain_discovery"
	KeyCommonSubdomains   = "common_subdomains"
	KeyDefaultTemplate    = "default_url_template"
	KeyDefaultConcurrency = "default_concurrency"

	// KeyLegacyPathTemplates predates the path_templates table: a plain
	// comma-joined template list. Still honored as a fallback source.
	KeyLegacyPathTemplates = "path_templates"
)

// Setting defaults. DefaultRequestTimeout is in seconds.
const (
	DefaultMaxConcurrency   = 100
	DefaultRequestTimeout   = 10
	DefaultRetryCount       = 2
	DefaultWorkerBatchSize  = 10
	DefaultWorkerTimeoutMS  = 10000
	DefaultWorkerDailyQuota = 100000
	DefaultScanBatchSize    = 1000
	DefaultCommonSubdomains = "www"
)

// Settings is a typed accessor over the settings table. Reads never fail:
// storage errors are logged and the default is returned.
type Settings struct {
	store  SettingStore
	logger *slog.Logger
}

// NewSettings wraps a SettingStore with typed accessors.
func NewSettings(store SettingStore, logger *slog.Logger) *Settings {
	return &Settings{
		store:  store,
		logger: logger.With("component", "settings"),
	}
}

// String returns the raw value for key, or def when unset.
func (s *Settings) String(ctx context.Context, key, def string) string {
	value, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		s.logger.Warn("setting read failed", "key", key, "error", err)
		return def
	}
	if !ok {
		return def
	}
	return value
}

// Int parses the value for key as an integer.
func (s *Settings) Int(ctx context.Context, key string, def int) int {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("setting is not an integer", "key", key, "value", raw)
		return def
	}
	return n
}

// Int64 parses the value for key as a 64-bit integer.
func (s *Settings) Int64(ctx context.Context, key string, def int64) int64 {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("setting is not an integer", "key", key, "value", raw)
		return def
	}
	return n
}

// Bool parses the value for key as a boolean ("true"/"false"/"1"/"0").
func (s *Settings) Bool(ctx context.Context, key string, def bool) bool {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn("setting is not a boolean", "key", key, "value", raw)
		return def
	}
	return b
}

// Time parses the value for key as RFC 3339. The bool reports presence.
func (s *Settings) Time(ctx context.Context, key string) (time.Time, bool) {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("setting is not a timestamp", "key", key, "value", raw)
		return time.Time{}, false
	}
	return t, true
}

// Set writes a raw string value.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	return s.store.SetSetting(ctx, key, value)
}

// SetInt writes an integer value.
func (s *Settings) SetInt(ctx context.Context, key string, value int) error {
	return s.store.SetSetting(ctx, key, strconv.Itoa(value))
}

// SetBool writes a boolean value.
func (s *Settings) SetBool(ctx context.Context, key string, value bool) error {
	return s.store.SetSetting(ctx, key, strconv.FormatBool(value))
}

// SetTime writes an RFC 3339 UTC timestamp.
func (s *Settings) SetTime(ctx context.Context, key string, value time.Time) error {
	return s.store.SetSetting(ctx, key, value.UTC().Format(time.RFC3339))
}

// --- Typed Accessors ---

// MaxConcurrency returns the default concurrency for new scan tasks.
func (s *Settings) MaxConcurrency(ctx context.Context) int {
	return s.Int(ctx, KeyMaxConcurrency, DefaultMaxConcurrency)
}

// RequestTimeout returns the per-probe timeout.
func (s *Settings) RequestTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.Int(ctx, KeyRequestTimeout, DefaultRequestTimeout)) * time.Second
}

// RetryCount returns the client-side retry count forwarded to workers.
func (s *Settings) RetryCount(ctx context.Context) int {
	return s.Int(ctx, KeyRetryCount, DefaultRetryCount)
}

// WorkerModeEnabled reports whether remote workers should be preferred.
func (s *Settings) WorkerModeEnabled(ctx context.Context) bool {
	return s.Bool(ctx, KeyEnableWorkerMode, false)
}

// WorkerURLs returns the configured worker endpoints.
func (s *Settings) WorkerURLs(ctx context.Context) []string {
	raw := s.String(ctx, KeyWorkerURLs, "")
	if raw == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		s.logger.Warn("worker_urls is not a JSON array", "value", raw)
		return nil
	}
	return urls
}

// SetWorkerURLs stores the worker endpoint list as a JSON array.
func (s *Settings) SetWorkerURLs(ctx context.Context, urls []string) error {
	raw, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	return s.store.SetSetting(ctx, KeyWorkerURLs, string(raw))
}

// WorkerBatchSize returns the sub-batch size for worker dispatch.
func (s *Settings) WorkerBatchSize(ctx context.Context) int {
	return s.Int(ctx, KeyWorkerBatchSize, DefaultWorkerBatchSize)
}

// WorkerTimeout returns the overall deadline for one worker batch call.
func (s *Settings) WorkerTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.Int(ctx, KeyWorkerTimeout, DefaultWorkerTimeoutMS)) * time.Millisecond
}

// WorkerDailyQuota returns the per-worker daily URL budget.
func (s *Settings) WorkerDailyQuota(ctx context.Context) int64 {
	return s.Int64(ctx, KeyWorkerDailyQuota, DefaultWorkerDailyQuota)
}

// ScanConcurrency returns the concurrency for scheduler-created tasks:
// scan_concurrency, then default_concurrency, then max_concurrency.
func (s *Settings) ScanConcurrency(ctx context.Context) int {
	if n := s.Int(ctx, KeyScanConcurrency, 0); n > 0 {
		return n
	}
	if n := s.Int(ctx, KeyDefaultConcurrency, 0); n > 0 {
		return n
	}
	return s.MaxConcurrency(ctx)
}

// ScanTimeout returns the per-probe timeout for local scanning. Zero means
// unset; callers keep their fixed default then.
func (s *Settings) ScanTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.Int(ctx, KeyScanTimeout, 0)) * time.Millisecond
}

// ScanBatchSize returns how many domains one scan page covers.
func (s *Settings) ScanBatchSize(ctx context.Context) int {
	if n := s.Int(ctx, KeyScanBatchSize, 0); n > 0 {
		return n
	}
	return DefaultScanBatchSize
}

// ProtocolFallbackEnabled reports whether https probes that die on a
// network error are retried once over plain http.
func (s *Settings) ProtocolFallbackEnabled(ctx context.Context) bool {
	return s.Bool(ctx, KeyProtocolFallback, false)
}

// CommonSubdomains returns the subdomain prefixes probed in addition to
// each bare domain, or nil when subdomain discovery is off.
func (s *Settings) CommonSubdomains(ctx context.Context) []string {
	if !s.Bool(ctx, KeySubdomainDiscovery, false) {
		return nil
	}
	raw := s.String(ctx, KeyCommonSubdomains, DefaultCommonSubdomains)
	parts := strings.Split(raw, ",")
	subs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			subs = append(subs, p)
		}
	}
	return subs
}

// DefaultURLTemplate returns the fallback template list for tasks that
// name none: the default_url_template setting, then the legacy
// comma-joined path_templates setting. Empty means no fallback is set.
func (s *Settings) DefaultURLTemplate(ctx context.Context) string {
	if v := s.String(ctx, KeyDefaultTemplate, ""); v != "" {
		return v
	}
	return s.String(ctx, KeyLegacyPathTemplates, "")
}

// AutomationEnabled reports the automation master switch.
func (s *Settings) AutomationEnabled(ctx context.Context) bool {
	return s.Bool(ctx, KeyAutomationEnabled, true)
}

// IncrementalEnabled reports whether the hourly incremental job may run.
func (s *Settings) IncrementalEnabled(ctx context.Context) bool {
	return s.Bool(ctx, KeyIncrementalEnabled, true)
}

// RescanEnabled reports whether the periodic full rescan may run.
func (s *Settings) RescanEnabled(ctx context.Context) bool {
	return s.Bool(ctx, KeyRescanEnabled, false)
}
