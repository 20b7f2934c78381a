// Package worker contains the remote batch-probe client and the endpoint
// pool that schedules, meters, and health-checks those remotes.
package worker

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// healthCheckURL is the well-known target used to verify a worker can
// actually probe the outside world.
const healthCheckURL = "https://www.google.com"

// Block signals workers embed in error messages or response bodies. The
// match is case-insensitive and positional anywhere in the payload.
const (
	signalNotDeployed    = "there is nothing here yet"
	signalAccountBlocked = "account has been blocked"
)

// BatchRequest is the JSON body sent to a worker endpoint.
type BatchRequest struct {
	URLs    []string `json:"urls"`
	Method  string   `json:"method"`  // "head" or "get"
	Timeout int      `json:"timeout"` // per-URL timeout in whole seconds
	Retry   int      `json:"retry"`
	Preview bool     `json:"preview,omitempty"`
}

// BatchResponse is the worker's reply envelope.
type BatchResponse struct {
	Success   bool            `json:"success"`
	Total     int             `json:"total"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Results   []BatchResult   `json:"results"`
}

// BatchResult is one per-URL entry of a worker reply.
type BatchResult struct {
	URL          string         `json:"url"`
	Method       string         `json:"method,omitempty"`
	Success      bool           `json:"success"`
	Status       int            `json:"status"`
	StatusText   string         `json:"statusText,omitempty"`
	OK           *bool          `json:"ok,omitempty"`
	ResponseTime string         `json:"responseTime,omitempty"` // e.g. "1359ms"
	Summary      *ResultSummary `json:"summary,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"errorType,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
}

// ResultSummary carries the response metadata a worker collected.
type ResultSummary struct {
	ContentLength      string `json:"contentLength,omitempty"` // human-readable
	ContentLengthBytes *int64 `json:"contentLengthBytes,omitempty"`
	ContentType        string `json:"contentType,omitempty"`
	SupportResume      *bool  `json:"supportResume,omitempty"`
}

// DetectBlockReason scans a message for block signals and returns the
// matching reason, or empty when none is present.
func DetectBlockReason(msg string) types.BlockReason {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, signalNotDeployed) {
		return types.BlockNotDeployed
	}
	if strings.Contains(lower, signalAccountBlocked) {
		return types.BlockAccountBlocked
	}
	return ""
}

// IsBlocked reports whether a message carries any block signal.
func IsBlocked(msg string) bool {
	return DetectBlockReason(msg) != ""
}

// Client talks to one remote worker endpoint.
type Client struct {
	id       string
	endpoint string
	timeout  time.Duration // overall per-call deadline
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for one endpoint. timeout bounds each batch
// call end to end.
func NewClient(id, endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		id:       id,
		endpoint: endpoint,
		timeout:  timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		},
		logger: logger.With("component", "worker_client", "worker", id),
	}
}

// ScanBatch sends one batch request and parses the reply into probe
// results. Block signals anywhere in a transport error, the envelope, or a
// per-URL error surface as a *types.WorkerError with the reason set.
func (c *Client) ScanBatch(ctx context.Context, req BatchRequest) ([]types.ProbeResult, error) {
	body, err := c.call(ctx, req, c.timeout)
	if err != nil {
		return nil, err
	}

	if reason := DetectBlockReason(string(body)); reason != "" {
		return nil, &types.WorkerError{
			WorkerID: c.id,
			URL:      c.endpoint,
			Reason:   reason,
			Err:      fmt.Errorf("block signal in response"),
		}
	}

	var envelope BatchResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !envelope.Success && len(envelope.Results) == 0 {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: fmt.Errorf("worker reported failure")}
	}
	if len(envelope.Results) != len(req.URLs) {
		return nil, &types.WorkerError{
			WorkerID: c.id,
			URL:      c.endpoint,
			Err:      fmt.Errorf("got %d results for %d urls", len(envelope.Results), len(req.URLs)),
		}
	}

	results := make([]types.ProbeResult, len(envelope.Results))
	for i, wr := range envelope.Results {
		results[i] = parseResult(wr)
	}
	return results, nil
}

// HealthCheck probes a single well-known URL through the worker. Any block
// signal or transport failure means unhealthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req := BatchRequest{
		URLs:    []string{healthCheckURL},
		Method:  "head",
		Timeout: 5,
		Retry:   0,
	}
	body, err := c.call(ctx, req, 5*time.Second)
	if err != nil {
		return err
	}
	if reason := DetectBlockReason(string(body)); reason != "" {
		return &types.WorkerError{
			WorkerID: c.id,
			URL:      c.endpoint,
			Reason:   reason,
			Err:      fmt.Errorf("block signal in health check"),
		}
	}
	return nil
}

// call posts the batch request and returns the decompressed body.
func (c *Client) call(ctx context.Context, req BatchRequest, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: fmt.Errorf("encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// A block signal can ride on a transport-level error string.
		if reason := DetectBlockReason(err.Error()); reason != "" {
			return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Reason: reason, Err: err}
		}
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp, resp.Body)
	if err != nil {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: err}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &types.WorkerError{
			WorkerID:  c.id,
			URL:       c.endpoint,
			RateLimit: time.Minute,
			Err:       fmt.Errorf("worker rate limited (HTTP 429)"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		if reason := DetectBlockReason(string(body)); reason != "" {
			return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Reason: reason, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
		return nil, &types.WorkerError{WorkerID: c.id, URL: c.endpoint, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	return body, nil
}

// parseResult maps one worker entry onto the internal result shape. A
// missing contentLengthBytes stays nil here; persistence decides how
// unknown sizes are stored.
func parseResult(wr BatchResult) types.ProbeResult {
	res := types.ProbeResult{
		URL:          wr.URL,
		Status:       wr.Status,
		ResponseTime: parseResponseTime(wr.ResponseTime),
	}
	if wr.Summary != nil {
		res.ContentType = wr.Summary.ContentType
		res.Size = wr.Summary.ContentLengthBytes
	}
	if !wr.Success && wr.Error != "" {
		res.Error = wr.Error
	}
	return res
}

// parseResponseTime extracts the leading integer from values like "1359ms".
func parseResponseTime(s string) int64 {
	var n int64
	seen := false
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n = n*10 + int64(s[i]-'0')
		seen = true
	}
	if !seen {
		return 0
	}
	return n
}

// decompressReader wraps a reader with the decompressor matching the
// response's Content-Encoding. Handles gzip, deflate, and brotli.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
