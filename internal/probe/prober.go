// Package probe issues HEAD probes against materialized URLs and runs
// bounded-parallelism batches of them.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IshaanNene/Dragnet/internal/types"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; Dragnet/1.0; +https://github.com/IshaanNene/Dragnet)"

// Probes are chatty at scale, so only one in logSampleEvery emits a line.
const logSampleEvery = 100

// Options tunes the shared probe client.
type Options struct {
	// UserAgent overrides the stable default UA sent with every probe.
	UserAgent string

	// TLSInsecure skips certificate verification. Large ranked lists are
	// full of expired and mismatched certs; a probe still wants the status.
	TLSInsecure bool

	// MaxIdleConns bounds the idle connection pool (0 = 100).
	MaxIdleConns int
}

// Prober issues single HEAD requests with a per-call timeout.
type Prober struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	count     atomic.Int64
}

// NewProber creates a Prober with a tuned transport shared by all probes.
func NewProber(opts Options, logger *slog.Logger) *Prober {
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle / 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecure,
		},
		DisableCompression: true,
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Prober{
		client:    &http.Client{Transport: transport},
		userAgent: ua,
		logger:    logger.With("component", "prober"),
	}
}

// Probe issues one HEAD request. Failures are returned as values with
// status -1, never as errors, so a failed probe still fills its slot in a
// batch result vector. Redirects are followed.
func (p *Prober) Probe(ctx context.Context, rawURL string, timeout time.Duration) types.ProbeResult {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return types.ProbeResult{
			URL:    rawURL,
			Status: types.StatusNetworkError,
			Error:  fmt.Sprintf("invalid URL: %v", err),
		}
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		result := types.ProbeResult{
			URL:          rawURL,
			Status:       types.StatusNetworkError,
			ResponseTime: elapsed,
			Error:        probeErrorMessage(err, timeout),
		}
		p.sampleLog("probe failed", rawURL, result.Status, elapsed)
		return result
	}
	resp.Body.Close()

	var size *int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = &n
		}
	}

	result := types.ProbeResult{
		URL:          rawURL,
		Status:       resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		Size:         size,
		ResponseTime: elapsed,
	}
	p.sampleLog("probe complete", rawURL, result.Status, elapsed)
	return result
}

// Close releases idle connections.
func (p *Prober) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Prober) sampleLog(msg, url string, status int, elapsedMs int64) {
	if p.count.Add(1)%logSampleEvery != 1 {
		return
	}
	p.logger.Debug(msg, "url", url, "status", status, "elapsed_ms", elapsedMs)
}

// probeErrorMessage renders a network failure as a short stable string.
func probeErrorMessage(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timeout after %s", timeout)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("timeout after %s", timeout)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return "connection refused"
		}
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return "connection reset"
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("dns error: %s", dnsErr.Err)
	}
	return err.Error()
}
