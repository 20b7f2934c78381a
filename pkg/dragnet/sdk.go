// Package dragnet provides a public SDK for embedding Dragnet scans as a
// library. A Scanner materializes URL templates against an ad-hoc domain
// list and probes the results locally; no database or server is involved.
//
// Example usage:
//
//	scanner := dragnet.NewScanner(
//	    dragnet.WithConcurrency(20),
//	    dragnet.WithTimeout(5*time.Second),
//	)
//	defer scanner.Close()
//
//	scanner.AddTemplates(
//	    "https://{domain}/backup.zip",
//	    "https://{domain}/{sld}.sql",
//	)
//
//	scanner.OnHit(func(h dragnet.Hit) {
//	    fmt.Printf("%s (%d bytes)\n", h.URL, h.Size)
//	})
//
//	hits, err := scanner.Scan(context.Background(), "example.com", "example.org")
package dragnet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/IshaanNene/Dragnet/internal/config"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/template"
	"github.com/IshaanNene/Dragnet/internal/types"
)

// defaultTemplate probes the domain root when no templates are registered.
const defaultTemplate = "https://{domain}"

// Scanner is the high-level API for using Dragnet as a library.
type Scanner struct {
	cfg       *config.Config
	logger    *slog.Logger
	prober    *probe.Prober
	local     *probe.LocalScanner
	templates []registered
	onHit     HitFunc

	probed   atomic.Int64
	hits     atomic.Int64
	filtered atomic.Int64
	errors   atomic.Int64
}

// registered is one template source plus its optional hit filter.
type registered struct {
	source string
	filter *types.PathTemplate
}

// HitFunc is called for each hit as it is found.
type HitFunc func(Hit)

// Hit is one 200 response that passed the filter of the template that
// produced its URL.
type Hit struct {
	// Domain is the input domain the URL was materialized for, normalized
	// to lowercase.
	Domain string `json:"domain"`

	// Template is the template source the URL came from.
	Template string `json:"template"`

	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`

	// Size is the reported Content-Length, zero when the header was absent.
	Size int64 `json:"size"`

	// ResponseTime is the probe's elapsed wall time in milliseconds.
	ResponseTime int64 `json:"response_time"`
}

// Template pairs a URL template with the filter applied to 200 responses
// produced from it. Zero filter fields leave each check disabled.
type Template struct {
	// Source is the template string, e.g. "https://{domain}/backup.zip".
	Source string

	// ContentType is a substring matched against the response Content-Type.
	ContentType string

	// ExcludeContentType inverts the match: responses whose Content-Type
	// contains the substring are rejected instead of required.
	ExcludeContentType bool

	// MinSize and MaxSize bound the acceptable Content-Length in bytes.
	MinSize int64
	MaxSize int64
}

// Option configures a Scanner.
type Option func(*config.Config)

// WithConcurrency sets the number of probes in flight.
func WithConcurrency(n int) Option {
	return func(c *config.Config) { c.Scan.Concurrency = n }
}

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.Scan.RequestTimeout = d }
}

// WithUserAgent sets a custom User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.Scan.UserAgent = ua }
}

// WithTLSVerification enables/disables certificate verification. Probes
// skip verification by default so expired certs still yield a status code.
func WithTLSVerification(verify bool) Option {
	return func(c *config.Config) { c.Scan.TLSInsecure = !verify }
}

// WithMaxIdleConns bounds the idle connection pool.
func WithMaxIdleConns(n int) Option {
	return func(c *config.Config) { c.Scan.MaxIdleConns = n }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// NewScanner creates a new Scanner with the given options.
func NewScanner(opts ...Option) *Scanner {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	prober := probe.NewProber(probe.Options{
		UserAgent:    cfg.Scan.UserAgent,
		TLSInsecure:  cfg.Scan.TLSInsecure,
		MaxIdleConns: cfg.Scan.MaxIdleConns,
	}, logger)

	return &Scanner{
		cfg:    cfg,
		logger: logger,
		prober: prober,
		local:  probe.NewLocalScanner(prober, logger),
	}
}

// AddTemplate registers a URL template plus its hit filter.
func (s *Scanner) AddTemplate(t Template) error {
	if err := template.ValidateTemplate(t.Source); err != nil {
		return err
	}

	pt := &types.PathTemplate{
		Template:            t.Source,
		ExpectedContentType: t.ContentType,
		ExcludeContentType:  t.ExcludeContentType,
		MinSize:             t.MinSize,
	}
	if t.MaxSize > 0 {
		v := t.MaxSize
		pt.MaxSize = &v
	}
	if err := pt.Validate(); err != nil {
		return err
	}

	s.templates = append(s.templates, registered{source: t.Source, filter: pt})
	return nil
}

// AddTemplates registers plain templates with no hit filter.
func (s *Scanner) AddTemplates(sources ...string) error {
	for _, src := range sources {
		if err := s.AddTemplate(Template{Source: src}); err != nil {
			return err
		}
	}
	return nil
}

// OnHit registers a callback invoked for each hit as it is found, in
// completion order. The callback runs serially on the scanning goroutines.
func (s *Scanner) OnHit(cb HitFunc) {
	s.onHit = cb
}

// Scan probes every registered template against every domain and returns
// the hits. With no templates registered the domain root is probed.
// Cancelling ctx stops new probes from being issued; in-flight probes
// finish on their own timeout, and hits found before the cancel are still
// returned alongside ctx's error.
func (s *Scanner) Scan(ctx context.Context, domains ...string) ([]Hit, error) {
	if len(domains) == 0 {
		return nil, nil
	}

	plan := s.buildPlan()
	urls, meta := s.buildURLs(domains, plan)
	if len(urls) == 0 {
		return nil, fmt.Errorf("all %d domain(s) failed to parse", len(domains))
	}

	var (
		hits      []Hit
		watermark int
	)
	onProgress := func(snap types.ProgressSnapshot) {
		for _, pr := range snap.Results[watermark:snap.Completed] {
			h, ok := s.classify(&pr, meta)
			if !ok {
				continue
			}
			hits = append(hits, h)
			if s.onHit != nil {
				s.onHit(h)
			}
		}
		watermark = snap.Completed
	}

	s.local.ScanBatch(ctx, urls, s.cfg.Scan.Concurrency, s.cfg.Scan.RequestTimeout, onProgress)
	s.probed.Add(int64(watermark))

	return hits, ctx.Err()
}

// Stats returns cumulative probe counters across all Scan calls.
func (s *Scanner) Stats() map[string]int64 {
	return map[string]int64{
		"probed":   s.probed.Load(),
		"hits":     s.hits.Load(),
		"filtered": s.filtered.Load(),
		"errors":   s.errors.Load(),
	}
}

// Close releases idle probe connections. The Scanner stays usable.
func (s *Scanner) Close() error {
	return s.prober.Close()
}

// expandedTemplate is one registered template with its date-range expansion.
type expandedTemplate struct {
	source   string
	filter   *types.PathTemplate
	variants []string
}

// urlSource records which domain and template produced a URL, so hits can
// be attributed and filtered. First writer wins on duplicates.
type urlSource struct {
	domain string
	source string
	filter *types.PathTemplate
}

// buildPlan expands each template's date ranges, spending a shared variant
// budget so pathological ranges cannot explode a scan.
func (s *Scanner) buildPlan() []expandedTemplate {
	regs := s.templates
	if len(regs) == 0 {
		regs = []registered{{source: defaultTemplate}}
	}

	budget := template.DefaultMaxExpandResults
	plan := make([]expandedTemplate, 0, len(regs))
	for _, reg := range regs {
		if budget <= 0 {
			s.logger.Warn("date-range expansion truncated", "template", reg.source)
			break
		}
		variants, capped := template.ExpandAllDateRanges(reg.source)
		if capped {
			s.logger.Warn("date-range expansion capped", "template", reg.source)
		}
		if len(variants) > budget {
			variants = variants[:budget]
		}
		budget -= len(variants)
		plan = append(plan, expandedTemplate{source: reg.source, filter: reg.filter, variants: variants})
	}
	return plan
}

// buildURLs materializes every planned variant for every domain. Duplicate
// URLs are still probed; attribution keeps the first domain/template pair
// that produced them. Unparseable domains are skipped with a warning.
func (s *Scanner) buildURLs(domains []string, plan []expandedTemplate) ([]string, map[string]urlSource) {
	urls := make([]string, 0, len(domains)*len(plan))
	meta := make(map[string]urlSource, len(domains)*len(plan))
	now := time.Now()

	for i, d := range domains {
		parsed, err := template.ParseDomain(d)
		if err != nil {
			s.logger.Warn("domain skipped", "domain", d, "reason", err)
			continue
		}
		// Ad-hoc lists carry no ranks; list position stands in.
		rank := i + 1
		vars := template.Vars{Now: now, Rank: &rank}

		for _, pt := range plan {
			for _, variant := range pt.variants {
				u := template.Materialize(variant, parsed, vars)
				urls = append(urls, u)
				if _, ok := meta[u]; !ok {
					meta[u] = urlSource{domain: parsed.Host, source: pt.source, filter: pt.filter}
				}
			}
		}
	}
	return urls, meta
}

// classify decides whether a probe outcome is a hit: a 200 that passes the
// filter of the template that produced its URL.
func (s *Scanner) classify(pr *types.ProbeResult, meta map[string]urlSource) (Hit, bool) {
	if pr.Status == types.StatusNetworkError {
		s.errors.Add(1)
		return Hit{}, false
	}
	if pr.Status != http.StatusOK {
		return Hit{}, false
	}

	src := meta[pr.URL]
	if src.filter != nil && (!src.filter.AcceptsContentType(pr.ContentType) || !src.filter.AcceptsSize(pr.Size)) {
		s.filtered.Add(1)
		return Hit{}, false
	}

	s.hits.Add(1)
	return Hit{
		Domain:       src.domain,
		Template:     src.source,
		URL:          pr.URL,
		Status:       pr.Status,
		ContentType:  pr.ContentType,
		Size:         pr.SizeOrZero(),
		ResponseTime: pr.ResponseTime,
	}, true
}
