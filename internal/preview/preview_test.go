package preview

import (
	"compress/gzip"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const testHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Exposed Backup Index</title>
    <meta name="description" content="Index of /backups">
    <link rel="canonical" href="https://example.com/backups/">
</head>
<body>
    <h1 class="heading">Index of /backups</h1>
    <table>
        <tr><td><a href="site-2024.sql.gz">site-2024.sql.gz</a></td><td>14M</td></tr>
        <tr><td><a href="site-2023.sql.gz">site-2023.sql.gz</a></td><td>12M</td></tr>
    </table>
    <address>nginx/1.24.0</address>
</body>
</html>`

func newTestPreviewer(t *testing.T, opts Options) *Previewer {
	t.Helper()
	return NewPreviewer(opts, testLogger)
}

func serveHTML(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeRenderer struct {
	html     string
	finalURL string
	err      error
	calls    int
}

func (f *fakeRenderer) Render(_ context.Context, url string) (string, string, error) {
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	final := f.finalURL
	if final == "" {
		final = url
	}
	return f.html, final, nil
}

// --- Summary Tests ---

func TestPreviewSummarizesPage(t *testing.T) {
	srv := serveHTML(t, testHTML)
	p := newTestPreviewer(t, Options{})

	sum, err := p.Preview(context.Background(), srv.URL+"/backups/", nil, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if sum.Status != 200 {
		t.Errorf("status = %d, want 200", sum.Status)
	}
	if sum.Title != "Exposed Backup Index" {
		t.Errorf("title = %q", sum.Title)
	}
	if sum.Description != "Index of /backups" {
		t.Errorf("description = %q", sum.Description)
	}
	if sum.Canonical != "https://example.com/backups/" {
		t.Errorf("canonical = %q", sum.Canonical)
	}
	if sum.Size != int64(len(testHTML)) {
		t.Errorf("size = %d, want %d", sum.Size, len(testHTML))
	}
	if sum.Rendered {
		t.Error("plain fetch marked as rendered")
	}
	if sum.Duration == "" {
		t.Error("duration missing")
	}
}

func TestPreviewReportsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	p := newTestPreviewer(t, Options{})
	sum, err := p.Preview(context.Background(), srv.URL+"/gone", nil, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	// A 404 is still a valid preview; the operator wants to see it.
	if sum.Status != 404 {
		t.Errorf("status = %d, want 404", sum.Status)
	}
}

func TestPreviewSkipsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte{0x50, 0x4b, 0x03, 0x04, 0, 0, 0, 0})
	}))
	t.Cleanup(srv.Close)

	p := newTestPreviewer(t, Options{})
	rules := []Rule{{Name: "h1", Selector: "h1"}}
	sum, err := p.Preview(context.Background(), srv.URL+"/backup.zip", rules, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if sum.Title != "" || len(sum.Fields) != 0 {
		t.Errorf("binary payload parsed as HTML: %+v", sum)
	}
	if sum.Size != 8 {
		t.Errorf("size = %d, want 8", sum.Size)
	}
}

func TestPreviewCapsBodySize(t *testing.T) {
	big := strings.Repeat("a", 4096)
	srv := serveHTML(t, big)
	p := newTestPreviewer(t, Options{MaxBodySize: 100})

	sum, err := p.Preview(context.Background(), srv.URL, nil, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if sum.Size != 100 {
		t.Errorf("size = %d, want capped 100", sum.Size)
	}
	if !sum.Truncated {
		t.Error("capped body not flagged truncated")
	}
}

func TestPreviewGzipEncoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(testHTML))
		gz.Close()
	}))
	t.Cleanup(srv.Close)

	p := newTestPreviewer(t, Options{})
	sum, err := p.Preview(context.Background(), srv.URL, nil, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if sum.Title != "Exposed Backup Index" {
		t.Errorf("title = %q, gzip body not decoded", sum.Title)
	}
}

func TestPreviewFollowsRedirects(t *testing.T) {
	target := serveHTML(t, testHTML)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/real", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	p := newTestPreviewer(t, Options{})
	sum, err := p.Preview(context.Background(), srv.URL+"/moved", nil, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if sum.FinalURL != target.URL+"/real" {
		t.Errorf("final URL = %q, want redirect target", sum.FinalURL)
	}
	if sum.URL != srv.URL+"/moved" {
		t.Errorf("original URL = %q, want request URL", sum.URL)
	}
}

// --- Rule Tests ---

func TestPreviewAppliesCSSRules(t *testing.T) {
	srv := serveHTML(t, testHTML)
	p := newTestPreviewer(t, Options{})

	rules := []Rule{
		{Name: "heading", Selector: "h1.heading"},
		{Name: "server", Type: "css", Selector: "address"},
		{Name: "files", Selector: "table a"},
		{Name: "first_href", Selector: "table a", Attribute: "href"},
		{Name: "missing", Selector: ".does-not-exist"},
	}

	sum, err := p.Preview(context.Background(), srv.URL, rules, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if got := sum.Fields["heading"]; got != "Index of /backups" {
		t.Errorf("heading = %v", got)
	}
	if got := sum.Fields["server"]; got != "nginx/1.24.0" {
		t.Errorf("server = %v", got)
	}
	files, ok := sum.Fields["files"].([]string)
	if !ok || len(files) != 2 {
		t.Errorf("files = %v, want 2 entries", sum.Fields["files"])
	}
	hrefs, ok := sum.Fields["first_href"].([]string)
	if !ok || len(hrefs) != 2 || hrefs[0] != "site-2024.sql.gz" {
		t.Errorf("first_href = %v", sum.Fields["first_href"])
	}
	if _, exists := sum.Fields["missing"]; exists {
		t.Error("empty rule produced a field")
	}
}

func TestPreviewAppliesXPathRules(t *testing.T) {
	srv := serveHTML(t, testHTML)
	p := newTestPreviewer(t, Options{})

	rules := []Rule{
		{Name: "heading", Type: "xpath", Selector: "//h1"},
		{Name: "sizes", Type: "xpath", Selector: "//table//td[2]"},
	}

	sum, err := p.Preview(context.Background(), srv.URL, rules, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if got := sum.Fields["heading"]; got != "Index of /backups" {
		t.Errorf("heading = %v", got)
	}
	sizes, ok := sum.Fields["sizes"].([]string)
	if !ok || len(sizes) != 2 || sizes[0] != "14M" {
		t.Errorf("sizes = %v", sum.Fields["sizes"])
	}
}

func TestPreviewUnknownRuleTypeSkipped(t *testing.T) {
	srv := serveHTML(t, testHTML)
	p := newTestPreviewer(t, Options{})

	rules := []Rule{
		{Name: "heading", Selector: "h1"},
		{Name: "odd", Type: "regex", Selector: "whatever"},
	}
	sum, err := p.Preview(context.Background(), srv.URL, rules, false)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if _, exists := sum.Fields["odd"]; exists {
		t.Error("unknown rule type produced a field")
	}
	if _, exists := sum.Fields["heading"]; !exists {
		t.Error("valid rule dropped alongside the unknown one")
	}
}

// --- Renderer Tests ---

func TestPreviewUsesRendererWhenAsked(t *testing.T) {
	rendered := `<html><head><title>After JS</title></head><body><div id="app">loaded</div></body></html>`
	fake := &fakeRenderer{html: rendered, finalURL: "https://spa.example/app"}
	p := newTestPreviewer(t, Options{Renderer: fake})

	sum, err := p.Preview(context.Background(), "https://spa.example/", []Rule{{Name: "app", Selector: "#app"}}, true)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("renderer called %d times, want 1", fake.calls)
	}
	if !sum.Rendered {
		t.Error("rendered preview not flagged")
	}
	if sum.Title != "After JS" {
		t.Errorf("title = %q", sum.Title)
	}
	if sum.FinalURL != "https://spa.example/app" {
		t.Errorf("final URL = %q", sum.FinalURL)
	}
	if got := sum.Fields["app"]; got != "loaded" {
		t.Errorf("app = %v", got)
	}
}

func TestPreviewRenderFlagIgnoredWithoutRenderer(t *testing.T) {
	srv := serveHTML(t, testHTML)
	p := newTestPreviewer(t, Options{})

	sum, err := p.Preview(context.Background(), srv.URL, nil, true)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if sum.Rendered {
		t.Error("no renderer configured but preview marked rendered")
	}
}

func TestPreviewRendererErrorPropagates(t *testing.T) {
	fake := &fakeRenderer{err: errors.New("browser crashed")}
	p := newTestPreviewer(t, Options{Renderer: fake})

	if _, err := p.Preview(context.Background(), "https://spa.example/", nil, true); err == nil {
		t.Fatal("expected renderer error")
	}
}

// --- Helper Tests ---

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		body        string
		want        bool
	}{
		{"text/html", "", true},
		{"text/html; charset=utf-8", "", true},
		{"application/xhtml+xml", "", true},
		{"application/zip", "<html></html>", false},
		{"", "<!DOCTYPE html><html></html>", true},
		{"", "PK\x03\x04binary", false},
	}
	for _, tt := range tests {
		if got := isHTML(tt.contentType, []byte(tt.body)); got != tt.want {
			t.Errorf("isHTML(%q, %q) = %v, want %v", tt.contentType, tt.body, got, tt.want)
		}
	}
}
