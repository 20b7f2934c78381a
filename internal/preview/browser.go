package preview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

const defaultRenderTimeout = 45 * time.Second

// BrowserOptions configure the headless renderer.
type BrowserOptions struct {
	// Timeout bounds one page render (default 45s).
	Timeout time.Duration

	// UserDataDir keeps a persistent browser profile between runs.
	UserDataDir string

	// WindowSize like "1366,768". Empty uses the browser default.
	WindowSize string

	// Bin points at an existing Chromium binary instead of letting the
	// launcher download one.
	Bin string
}

// Browser renders pages headlessly with stealth patches applied, for
// hits that only show their real content after JavaScript runs.
type Browser struct {
	browser *rod.Browser
	timeout time.Duration
	logger  *slog.Logger
}

// NewBrowser launches Chromium and connects. Callers must Close it.
func NewBrowser(opts BrowserOptions, logger *slog.Logger) (*Browser, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRenderTimeout
	}

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	if opts.WindowSize != "" {
		l = l.Set("window-size", opts.WindowSize)
	}
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	b := &Browser{
		browser: browser,
		timeout: opts.Timeout,
		logger:  logger.With("component", "preview_browser"),
	}
	b.logger.Info("headless renderer ready", "timeout", opts.Timeout)
	return b, nil
}

// Render implements Renderer.
func (b *Browser) Render(ctx context.Context, url string) (string, string, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return "", "", fmt.Errorf("stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	if err := page.Timeout(b.timeout).Navigate(url); err != nil {
		return "", "", fmt.Errorf("navigate %s: %w", url, err)
	}

	// Not all pages settle; a busy one still previews fine.
	if err := page.Timeout(b.timeout).WaitStable(300 * time.Millisecond); err != nil {
		b.logger.Warn("page never settled, using current DOM", "url", url, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", "", fmt.Errorf("read dom %s: %w", url, err)
	}

	finalURL := url
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	return html, finalURL, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	if b.browser != nil {
		return b.browser.Close()
	}
	return nil
}
