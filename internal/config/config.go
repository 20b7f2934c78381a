package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for Dragnet. Values here are boot-time
// wiring; scan tuning lives in the settings table and is seeded from the
// Scan and Worker sections on first start.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     yaml:"server"`
	Storage    StorageConfig    `mapstructure:"storage"    yaml:"storage"`
	Scan       ScanConfig       `mapstructure:"scan"       yaml:"scan"`
	Worker     WorkerConfig     `mapstructure:"worker"     yaml:"worker"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Ingest     IngestConfig     `mapstructure:"ingest"     yaml:"ingest"`
	Preview    PreviewConfig    `mapstructure:"preview"    yaml:"preview"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
}

// ServerConfig controls the REST API listener.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"      yaml:"addr"`
	MaxConns int    `mapstructure:"max_conns" yaml:"max_conns"`
}

// StorageConfig controls the SQLite database and the optional Mongo mirror.
type StorageConfig struct {
	Path          string        `mapstructure:"path"           yaml:"path"`
	MongoURI      string        `mapstructure:"mongo_uri"      yaml:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database" yaml:"mongo_database"`
	LogRetention  time.Duration `mapstructure:"log_retention"  yaml:"log_retention"`
}

// ScanConfig controls the local prober and seeds the scan settings.
type ScanConfig struct {
	Concurrency    int           `mapstructure:"concurrency"     yaml:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RetryCount     int           `mapstructure:"retry_count"     yaml:"retry_count"`
	TLSInsecure    bool          `mapstructure:"tls_insecure"    yaml:"tls_insecure"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"  yaml:"max_idle_conns"`

	// UserAgent overrides the prober's default User-Agent when set.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// WorkerConfig controls the remote worker pool.
type WorkerConfig struct {
	Enabled             bool          `mapstructure:"enabled"               yaml:"enabled"`
	URLs                []string      `mapstructure:"urls"                  yaml:"urls"`
	BatchSize           int           `mapstructure:"batch_size"            yaml:"batch_size"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"          yaml:"call_timeout"`
	DailyQuota          int64         `mapstructure:"daily_quota"           yaml:"daily_quota"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	UnhealthyThreshold  float64       `mapstructure:"unhealthy_threshold"   yaml:"unhealthy_threshold"`
	CooldownPeriod      time.Duration `mapstructure:"cooldown_period"       yaml:"cooldown_period"`
	RateLimitCooldown   time.Duration `mapstructure:"rate_limit_cooldown"   yaml:"rate_limit_cooldown"`
}

// AutomationConfig controls the unattended scan scheduler.
type AutomationConfig struct {
	IncrementalCheck    time.Duration `mapstructure:"incremental_check"    yaml:"incremental_check"`
	IncrementalInterval time.Duration `mapstructure:"incremental_interval" yaml:"incremental_interval"`
	RescanCheck         time.Duration `mapstructure:"rescan_check"         yaml:"rescan_check"`
	RescanInterval      time.Duration `mapstructure:"rescan_interval"      yaml:"rescan_interval"`
	QuotaResetCheck     time.Duration `mapstructure:"quota_reset_check"    yaml:"quota_reset_check"`
}

// IngestConfig controls ranked domain list downloads.
type IngestConfig struct {
	URL         string        `mapstructure:"url"          yaml:"url"`
	BatchSize   int           `mapstructure:"batch_size"   yaml:"batch_size"`
	MaxRows     int           `mapstructure:"max_rows"     yaml:"max_rows"`
	Timeout     time.Duration `mapstructure:"timeout"      yaml:"timeout"`
	TLSInsecure bool          `mapstructure:"tls_insecure" yaml:"tls_insecure"`
}

// PreviewConfig controls hit verification.
type PreviewConfig struct {
	Enabled     bool          `mapstructure:"enabled"       yaml:"enabled"`
	Browser     bool          `mapstructure:"browser"       yaml:"browser"`
	BrowserBin  string        `mapstructure:"browser_bin"   yaml:"browser_bin"`
	Timeout     time.Duration `mapstructure:"timeout"       yaml:"timeout"`
	MaxBodySize int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// MongoEnabled reports whether results should mirror to MongoDB.
func (c *Config) MongoEnabled() bool {
	return c.Storage.MongoURI != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			MaxConns: 256,
		},
		Storage: StorageConfig{
			Path:          "dragnet.db",
			MongoDatabase: "dragnet",
			LogRetention:  7 * 24 * time.Hour,
		},
		Scan: ScanConfig{
			Concurrency:    100,
			RequestTimeout: 10 * time.Second,
			RetryCount:     2,
			// Ranked lists are full of expired and mismatched certs; a
			// probe still wants the status code.
			TLSInsecure:  true,
			MaxIdleConns: 100,
		},
		Worker: WorkerConfig{
			Enabled:             false,
			BatchSize:           10,
			CallTimeout:         10 * time.Second,
			DailyQuota:          100000,
			HealthCheckInterval: 60 * time.Second,
			UnhealthyThreshold:  90.0,
			CooldownPeriod:      300 * time.Second,
			RateLimitCooldown:   60 * time.Second,
		},
		Automation: AutomationConfig{
			IncrementalCheck:    1 * time.Hour,
			IncrementalInterval: 24 * time.Hour,
			RescanCheck:         24 * time.Hour,
			RescanInterval:      180 * 24 * time.Hour,
			QuotaResetCheck:     1 * time.Hour,
		},
		Ingest: IngestConfig{
			BatchSize: 1000,
			Timeout:   10 * time.Minute,
		},
		Preview: PreviewConfig{
			Enabled:     true,
			Browser:     false,
			Timeout:     30 * time.Second,
			MaxBodySize: 2 * 1024 * 1024, // 2MB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
