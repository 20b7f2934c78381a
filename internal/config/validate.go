package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if cfg.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns must be >= 0, got %d", cfg.Server.MaxConns)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if cfg.Storage.MongoURI != "" && cfg.Storage.MongoDatabase == "" {
		return fmt.Errorf("storage.mongo_database must be set when storage.mongo_uri is")
	}
	if cfg.Storage.LogRetention < 0 {
		return fmt.Errorf("storage.log_retention must be >= 0")
	}

	if cfg.Scan.Concurrency < 1 {
		return fmt.Errorf("scan.concurrency must be >= 1, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scan.Concurrency > 1000 {
		return fmt.Errorf("scan.concurrency must be <= 1000, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scan.RequestTimeout <= 0 {
		return fmt.Errorf("scan.request_timeout must be > 0")
	}
	if cfg.Scan.RetryCount < 0 {
		return fmt.Errorf("scan.retry_count must be >= 0, got %d", cfg.Scan.RetryCount)
	}

	if cfg.Worker.Enabled {
		if cfg.Worker.BatchSize < 1 {
			return fmt.Errorf("worker.batch_size must be >= 1, got %d", cfg.Worker.BatchSize)
		}
		if cfg.Worker.CallTimeout <= 0 {
			return fmt.Errorf("worker.call_timeout must be > 0")
		}
		if cfg.Worker.DailyQuota < 0 {
			return fmt.Errorf("worker.daily_quota must be >= 0, got %d", cfg.Worker.DailyQuota)
		}
		for _, workerURL := range cfg.Worker.URLs {
			if err := ValidateWorkerURL(workerURL); err != nil {
				return err
			}
		}
	}

	if cfg.Automation.IncrementalCheck <= 0 {
		return fmt.Errorf("automation.incremental_check must be > 0")
	}
	if cfg.Automation.IncrementalInterval <= 0 {
		return fmt.Errorf("automation.incremental_interval must be > 0")
	}
	if cfg.Automation.RescanCheck <= 0 {
		return fmt.Errorf("automation.rescan_check must be > 0")
	}
	if cfg.Automation.RescanInterval <= 0 {
		return fmt.Errorf("automation.rescan_interval must be > 0")
	}

	if cfg.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be >= 1, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.MaxRows < 0 {
		return fmt.Errorf("ingest.max_rows must be >= 0, got %d", cfg.Ingest.MaxRows)
	}
	if cfg.Ingest.URL != "" {
		if err := ValidateURL(cfg.Ingest.URL); err != nil {
			return fmt.Errorf("ingest.url: %w", err)
		}
	}

	if cfg.Preview.Enabled {
		if cfg.Preview.MaxBodySize <= 0 {
			return fmt.Errorf("preview.max_body_size must be > 0")
		}
		if cfg.Preview.Timeout <= 0 {
			return fmt.Errorf("preview.timeout must be > 0")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is usable as a download source.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateWorkerURL checks a worker endpoint URL. Workers carry scan
// batches across the open internet, so https is required.
func ValidateWorkerURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid worker URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("worker URL %q must use https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("worker URL %q must have a host", rawURL)
	}
	return nil
}
