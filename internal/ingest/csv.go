// Package ingest downloads ranked domain lists and loads them into the
// domain inventory. Lists are Tranco-style CSV (rank,domain per row),
// served plain, gzipped, or inside a zip archive.
package ingest

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
)

const (
	// DefaultBatchSize is how many rows go into one upsert transaction.
	DefaultBatchSize = 1000

	defaultTimeout  = 10 * time.Minute
	maxArchiveBytes = 512 << 20
	userAgent       = "Mozilla/5.0 (compatible; Dragnet/1.0; +https://github.com/IshaanNene/Dragnet)"
)

// Store is the slice of the domain repository the ingester writes to.
type Store interface {
	UpsertDomains(ctx context.Context, seeds []storage.DomainSeed) (created, updated int64, err error)
}

// Options tune a CSVIngester.
type Options struct {
	// URL is an explicit list source. Empty falls back to the
	// csv_url setting.
	URL string

	// BatchSize is rows per upsert transaction (default 1000).
	BatchSize int

	// MaxRows caps how many rows are loaded. Zero means unlimited.
	MaxRows int

	// Timeout bounds the whole download (default 10m).
	Timeout time.Duration

	// TLSInsecure skips certificate verification for the list host.
	TLSInsecure bool
}

// Result summarizes one ingestion run.
type Result struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
}

// CSVIngester pulls a ranked domain list and upserts it in batches.
type CSVIngester struct {
	store    Store
	settings *storage.Settings
	client   *http.Client
	opts     Options
	logger   *slog.Logger
}

// NewCSVIngester creates an ingester writing to store. settings may be nil
// when the source URL is always passed explicitly.
func NewCSVIngester(store Store, settings *storage.Settings, opts Options, logger *slog.Logger) *CSVIngester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecure,
		},
		// Decompression is handled manually so brotli works too.
		DisableCompression: true,
	}

	return &CSVIngester{
		store:    store,
		settings: settings,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:   opts,
		logger: logger.With("component", "ingest"),
	}
}

// Sync downloads the configured list and upserts it. It satisfies the
// scheduler's domain-sync hook.
func (in *CSVIngester) Sync(ctx context.Context) (created, updated int64, err error) {
	url := in.sourceURL(ctx)
	if url == "" {
		return 0, 0, types.ErrNoDomainList
	}
	res, err := in.IngestURL(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	return res.Created, res.Updated, nil
}

// IngestURL downloads one list and loads it.
func (in *CSVIngester) IngestURL(ctx context.Context, url string) (Result, error) {
	start := time.Now()
	in.logger.Info("downloading domain list", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := in.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch domain list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch domain list: unexpected status %d", resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return Result{}, fmt.Errorf("decode domain list: %w", err)
	}

	reader, err := in.openPayload(url, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return Result{}, err
	}

	res, err := in.IngestReader(ctx, reader)
	if err != nil {
		return res, err
	}

	in.logger.Info("domain list ingested",
		"url", url,
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// IngestFile loads a list from the local filesystem, unpacking .gz and
// .zip by extension.
func (in *CSVIngester) IngestFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open domain list: %w", err)
	}
	defer f.Close()

	reader, err := in.openPayload(path, "", f)
	if err != nil {
		return Result{}, err
	}
	return in.IngestReader(ctx, reader)
}

// IngestReader stream-parses CSV rows from r and upserts them in batches.
// Rows are rank,domain; a bare domain per line also works, ranked by line
// order. Malformed rows are skipped and counted, not fatal.
func (in *CSVIngester) IngestReader(ctx context.Context, r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var res Result
	batch := make([]storage.DomainSeed, 0, in.opts.BatchSize)
	row, accepted := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		created, updated, err := in.store.UpsertDomains(ctx, batch)
		if err != nil {
			return fmt.Errorf("upsert domains: %w", err)
		}
		res.Created += created
		res.Updated += updated
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn line should not abandon the million rows around it.
			res.Skipped++
			in.logger.Debug("csv row unreadable", "row", row, "error", err)
			row++
			continue
		}
		row++

		seed, ok := parseRow(record, row)
		if !ok {
			// The first row may be a header; anything later is junk.
			if row > 1 {
				res.Skipped++
			}
			continue
		}

		batch = append(batch, seed)
		accepted++
		if len(batch) >= in.opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
		if in.opts.MaxRows > 0 && accepted >= in.opts.MaxRows {
			break
		}
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func (in *CSVIngester) sourceURL(ctx context.Context) string {
	if in.opts.URL != "" {
		return in.opts.URL
	}
	if in.settings == nil {
		return ""
	}
	return in.settings.String(ctx, storage.KeyCSVURL, "")
}

// openPayload unpacks archive formats by name or content type. Zip needs
// the whole payload in memory; plain and gzip stream.
func (in *CSVIngester) openPayload(name, contentType string, r io.Reader) (io.Reader, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip") || strings.Contains(contentType, "application/zip"):
		return openZip(io.LimitReader(r, maxArchiveBytes))
	case strings.HasSuffix(lower, ".gz") || strings.Contains(contentType, "application/gzip"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip list: %w", err)
		}
		return gz, nil
	default:
		return r, nil
	}
}

// openZip picks the first CSV entry, or the first entry of a
// single-file archive.
func openZip(r io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("buffer zip list: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open zip list: %w", err)
	}

	var pick *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			pick = f
			break
		}
		if pick == nil {
			pick = f
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("zip list has no entries")
	}

	rc, err := pick.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", pick.Name, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read zip entry %s: %w", pick.Name, err)
	}
	return bytes.NewReader(data), nil
}

// decodeBody unwraps the transfer encoding. Handles gzip, deflate, and
// brotli since the transport's automatic handling is disabled.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// parseRow turns one CSV record into a seed. Accepts "rank,domain" and
// bare "domain" rows.
func parseRow(record []string, row int) (storage.DomainSeed, bool) {
	switch len(record) {
	case 0:
		return storage.DomainSeed{}, false
	case 1:
		name := strings.ToLower(strings.TrimSpace(record[0]))
		if !validDomain(name) {
			return storage.DomainSeed{}, false
		}
		return storage.DomainSeed{Name: name, Rank: row}, true
	default:
		rank, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil || rank <= 0 {
			return storage.DomainSeed{}, false
		}
		name := strings.ToLower(strings.TrimSpace(record[1]))
		if !validDomain(name) {
			return storage.DomainSeed{}, false
		}
		return storage.DomainSeed{Name: name, Rank: rank}, true
	}
}

// validDomain filters rows that cannot be hostnames. Ranked lists carry
// registrable domains, so a dot is required.
func validDomain(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	if !strings.Contains(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, " /\\:@?#")
}
