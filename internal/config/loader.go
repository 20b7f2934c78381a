package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("DRAGNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("dragnet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".dragnet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Only a missing file during search is tolerable; an explicit
		// path that fails or a malformed file is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.max_conns", cfg.Server.MaxConns)

	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.log_retention", cfg.Storage.LogRetention)

	v.SetDefault("scan.concurrency", cfg.Scan.Concurrency)
	v.SetDefault("scan.request_timeout", cfg.Scan.RequestTimeout)
	v.SetDefault("scan.retry_count", cfg.Scan.RetryCount)
	v.SetDefault("scan.tls_insecure", cfg.Scan.TLSInsecure)
	v.SetDefault("scan.max_idle_conns", cfg.Scan.MaxIdleConns)
	v.SetDefault("scan.user_agent", cfg.Scan.UserAgent)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.urls", cfg.Worker.URLs)
	v.SetDefault("worker.batch_size", cfg.Worker.BatchSize)
	v.SetDefault("worker.call_timeout", cfg.Worker.CallTimeout)
	v.SetDefault("worker.daily_quota", cfg.Worker.DailyQuota)
	v.SetDefault("worker.health_check_interval", cfg.Worker.HealthCheckInterval)
	v.SetDefault("worker.unhealthy_threshold", cfg.Worker.UnhealthyThreshold)
	v.SetDefault("worker.cooldown_period", cfg.Worker.CooldownPeriod)
	v.SetDefault("worker.rate_limit_cooldown", cfg.Worker.RateLimitCooldown)

	v.SetDefault("automation.incremental_check", cfg.Automation.IncrementalCheck)
	v.SetDefault("automation.incremental_interval", cfg.Automation.IncrementalInterval)
	v.SetDefault("automation.rescan_check", cfg.Automation.RescanCheck)
	v.SetDefault("automation.rescan_interval", cfg.Automation.RescanInterval)
	v.SetDefault("automation.quota_reset_check", cfg.Automation.QuotaResetCheck)

	v.SetDefault("ingest.url", cfg.Ingest.URL)
	v.SetDefault("ingest.batch_size", cfg.Ingest.BatchSize)
	v.SetDefault("ingest.max_rows", cfg.Ingest.MaxRows)
	v.SetDefault("ingest.timeout", cfg.Ingest.Timeout)
	v.SetDefault("ingest.tls_insecure", cfg.Ingest.TLSInsecure)

	v.SetDefault("preview.enabled", cfg.Preview.Enabled)
	v.SetDefault("preview.browser", cfg.Preview.Browser)
	v.SetDefault("preview.browser_bin", cfg.Preview.BrowserBin)
	v.SetDefault("preview.timeout", cfg.Preview.Timeout)
	v.SetDefault("preview.max_body_size", cfg.Preview.MaxBodySize)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
