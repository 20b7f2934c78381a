package probe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// --- Prober Tests ---

func TestProbeOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), srv.URL+"/backup.zip", 5*time.Second)

	if res.Status != 200 {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if res.ContentType != "application/zip" {
		t.Errorf("expected application/zip, got %q", res.ContentType)
	}
	if res.Size == nil || *res.Size != 2048 {
		t.Errorf("expected size 2048, got %v", res.Size)
	}
	if res.Error != "" {
		t.Errorf("unexpected error: %q", res.Error)
	}
	if res.ResponseTime < 0 {
		t.Errorf("negative response time: %d", res.ResponseTime)
	}
}

func TestProbeStatusPassthrough(t *testing.T) {
	tests := []int{201, 301, 403, 404, 500, 503}

	for _, status := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := NewProber(Options{}, testLogger)
		res := p.Probe(context.Background(), srv.URL, 5*time.Second)
		// 301 without Location stays a 301.
		if res.Status != status {
			t.Errorf("status %d: got %d (error %q)", status, res.Status, res.Error)
		}

		p.Close()
		srv.Close()
	}
}

func TestProbeFollowsRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/sql")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer srv.Close()

	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), srv.URL, 5*time.Second)
	if res.Status != 200 {
		t.Errorf("expected 200 after redirect, got %d", res.Status)
	}
	if res.ContentType != "application/sql" {
		t.Errorf("expected redirect target content type, got %q", res.ContentType)
	}
}

func TestProbeMissingContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), srv.URL, 5*time.Second)
	if res.Size != nil {
		t.Errorf("expected nil size without Content-Length, got %d", *res.Size)
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), srv.URL, 50*time.Millisecond)
	if res.Status != -1 {
		t.Errorf("expected -1 on timeout, got %d", res.Status)
	}
	if !strings.Contains(res.Error, "timeout") {
		t.Errorf("expected timeout error, got %q", res.Error)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), url, 2*time.Second)
	if res.Status != -1 {
		t.Errorf("expected -1 on refused connection, got %d", res.Status)
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestProbeInvalidURL(t *testing.T) {
	p := NewProber(Options{}, testLogger)
	defer p.Close()

	res := p.Probe(context.Background(), "://not-a-url", time.Second)
	if res.Status != -1 {
		t.Errorf("expected -1 for invalid URL, got %d", res.Status)
	}
	if res.URL != "://not-a-url" {
		t.Errorf("result must echo the input URL, got %q", res.URL)
	}
}

func TestProbeSendsStableHeaders(t *testing.T) {
	var gotUA, gotCache string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCache = r.Header.Get("Cache-Control")
	}))
	defer srv.Close()

	p := NewProber(Options{UserAgent: "dragnet-test/0.1"}, testLogger)
	defer p.Close()

	p.Probe(context.Background(), srv.URL, 2*time.Second)
	if gotUA != "dragnet-test/0.1" {
		t.Errorf("expected configured UA, got %q", gotUA)
	}
	if gotCache != "no-cache" {
		t.Errorf("expected no-cache, got %q", gotCache)
	}
}
