// Package preview fetches a hit URL back and inspects what is actually
// being served, so an operator can separate real exposures from vanity
// 200s. Pages are summarized (title, description, canonical) and can be
// checked against CSS or XPath verification rules.
package preview

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	defaultMaxBodySize = int64(2 << 20)
	defaultTimeout     = 30 * time.Second
	userAgent          = "Mozilla/5.0 (compatible; Dragnet/1.0; +https://github.com/IshaanNene/Dragnet)"
)

// Rule is one operator-defined verification rule.
type Rule struct {
	// Name keys the extracted value in Summary.Fields.
	Name string `json:"name"`

	// Type is "css" (default) or "xpath".
	Type string `json:"type,omitempty"`

	// Selector is the CSS selector or XPath expression.
	Selector string `json:"selector"`

	// Attribute picks what to extract: "" or "text" for inner text,
	// "html"/"outerHTML" for markup, anything else for that attribute.
	Attribute string `json:"attribute,omitempty"`
}

// Summary is the preview of one hit URL.
type Summary struct {
	URL         string         `json:"url"`
	FinalURL    string         `json:"final_url"`
	Status      int            `json:"status"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	Truncated   bool           `json:"truncated,omitempty"`
	Rendered    bool           `json:"rendered,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Canonical   string         `json:"canonical,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Duration    string         `json:"duration"`
}

// Renderer loads a page in a real browser and returns the settled DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (html, finalURL string, err error)
}

// Options tune a Previewer.
type Options struct {
	// MaxBodySize caps how much of the response is read (default 2MB).
	MaxBodySize int64

	// Timeout bounds one preview fetch (default 30s).
	Timeout time.Duration

	// TLSInsecure skips certificate verification.
	TLSInsecure bool

	// Renderer enables browser-rendered previews when non-nil.
	Renderer Renderer
}

// Previewer fetches and inspects individual URLs.
type Previewer struct {
	client   *http.Client
	renderer Renderer
	maxBody  int64
	logger   *slog.Logger
}

// NewPreviewer creates a Previewer.
func NewPreviewer(opts Options, logger *slog.Logger) *Previewer {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecure,
		},
		// Decompression is handled manually so brotli works too.
		DisableCompression: true,
	}

	return &Previewer{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		renderer: opts.Renderer,
		maxBody:  opts.MaxBodySize,
		logger:   logger.With("component", "preview"),
	}
}

// Preview fetches url and builds its summary. With render set and a
// renderer configured, the page goes through the browser first so
// JS-built content is visible to the rules.
func (p *Previewer) Preview(ctx context.Context, url string, rules []Rule, render bool) (*Summary, error) {
	start := time.Now()

	var sum *Summary
	var body []byte
	var err error

	if render && p.renderer != nil {
		sum, body, err = p.renderPage(ctx, url)
	} else {
		sum, body, err = p.fetchPage(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	if isHTML(sum.ContentType, body) {
		p.summarize(sum, body)
		if len(rules) > 0 {
			sum.Fields = p.applyRules(body, rules)
		}
	}

	sum.Duration = time.Since(start).Round(time.Millisecond).String()
	p.logger.Debug("preview complete",
		"url", url,
		"status", sum.Status,
		"size", sum.Size,
		"rendered", sum.Rendered,
	)
	return sum, nil
}

func (p *Previewer) fetchPage(ctx context.Context, url string) (*Summary, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build preview request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", url, err)
	}

	body, err := io.ReadAll(io.LimitReader(decoded, p.maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", url, err)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Summary{
		URL:         url,
		FinalURL:    finalURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        int64(len(body)),
		Truncated:   int64(len(body)) == p.maxBody,
	}, body, nil
}

func (p *Previewer) renderPage(ctx context.Context, url string) (*Summary, []byte, error) {
	page, finalURL, err := p.renderer.Render(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("render %s: %w", url, err)
	}
	body := []byte(page)
	return &Summary{
		URL:      url,
		FinalURL: finalURL,
		// The DevTools protocol does not surface the status of the
		// main document, so a rendered page reads as 200.
		Status:      http.StatusOK,
		ContentType: "text/html",
		Size:        int64(len(body)),
		Rendered:    true,
	}, body, nil
}

// summarize pulls the standard page identity fields.
func (p *Previewer) summarize(sum *Summary, body []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		p.logger.Debug("preview parse failed", "url", sum.URL, "error", err)
		return
	}

	sum.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		sum.Description = strings.TrimSpace(desc)
	}
	if canon, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		sum.Canonical = strings.TrimSpace(canon)
	}
}

// applyRules runs each rule against the page. Single matches store as a
// string, multiple as a slice, zero matches as nothing.
func (p *Previewer) applyRules(body []byte, rules []Rule) map[string]any {
	fields := make(map[string]any)

	var cssDoc *goquery.Document
	var xpathDoc *html.Node

	for _, rule := range rules {
		var values []string
		switch rule.Type {
		case "", "css":
			if cssDoc == nil {
				doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
				if err != nil {
					continue
				}
				cssDoc = doc
			}
			values = extractCSS(cssDoc, rule)
		case "xpath":
			if xpathDoc == nil {
				doc, err := html.Parse(bytes.NewReader(body))
				if err != nil {
					continue
				}
				xpathDoc = doc
			}
			values = p.extractXPath(xpathDoc, rule)
		default:
			p.logger.Warn("unknown rule type", "rule", rule.Name, "type", rule.Type)
			continue
		}

		if len(values) == 1 {
			fields[rule.Name] = values[0]
		} else if len(values) > 1 {
			fields[rule.Name] = values
		}
	}

	return fields
}

func extractCSS(doc *goquery.Document, rule Rule) []string {
	var values []string
	doc.Find(rule.Selector).Each(func(i int, sel *goquery.Selection) {
		var val string
		switch rule.Attribute {
		case "", "text":
			val = strings.TrimSpace(sel.Text())
		case "html", "innerHTML":
			val, _ = sel.Html()
		case "outerHTML":
			val, _ = goquery.OuterHtml(sel)
		default:
			val, _ = sel.Attr(rule.Attribute)
		}
		if val != "" {
			values = append(values, val)
		}
	})
	return values
}

func (p *Previewer) extractXPath(doc *html.Node, rule Rule) []string {
	nodes, err := htmlquery.QueryAll(doc, rule.Selector)
	if err != nil {
		p.logger.Warn("invalid xpath", "selector", rule.Selector, "error", err)
		return nil
	}

	var values []string
	for _, node := range nodes {
		var val string
		switch rule.Attribute {
		case "", "text":
			val = strings.TrimSpace(htmlquery.InnerText(node))
		case "html", "innerHTML":
			val = htmlquery.OutputHTML(node, false)
		case "outerHTML":
			val = htmlquery.OutputHTML(node, true)
		default:
			val = htmlquery.SelectAttr(node, rule.Attribute)
		}
		if val != "" {
			values = append(values, val)
		}
	}
	return values
}

// isHTML decides whether the body is worth parsing. The header wins;
// sniffing covers servers that send archives with no type at all.
func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return strings.Contains(http.DetectContentType(body), "html")
}

// decodeBody unwraps gzip, deflate, and brotli transfer encodings.
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
