package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/ratelimit"
	"github.com/playwright-community/playwright-go"
)

var ErrNavigation = errors.New("navigation failed")

// NavigationError reports a page that failed to load or timed out.
// Callers may retry with a fresh session.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

func (e *NavigationError) Is(target error) bool {
	return target == ErrNavigation
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	PollInterval   time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		TimezoneID:     "America/Sao_Paulo",
		Locale:         "pt-BR",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "pt-BR,pt;q=0.9,en;q=0.8",
			"DNT":             "1",
		},
	}
}

// Fetcher opens one isolated browser per fetch. The playwright driver is
// shared and started once.
type Fetcher struct {
	pw      *playwright.Playwright
	opts    *Options
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
}

func NewFetcher(opts *Options, limiter ratelimit.RateLimiter, logger *slog.Logger) (*Fetcher, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Fetcher{
		pw:      pw,
		opts:    opts,
		limiter: limiter,
		logger:  logger.With("component", "browser"),
	}, nil
}

func (f *Fetcher) Close() error {
	if f.pw == nil {
		return nil
	}
	if err := f.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// Open launches a browser whose context simulates geo, navigates to url and
// waits for the load event. The returned session must be closed by the caller.
func (f *Fetcher) Open(ctx context.Context, url string, geo models.GeoPoint) (*Session, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &NavigationError{URL: url, Err: err}
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &f.opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}
	if f.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: f.opts.ProxyServer,
		}
	}

	browser, err := f.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	session := &Session{
		browser: browser,
		opts:    f.opts,
		logger:  f.logger,
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &f.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &f.opts.Locale,
		TimezoneId:        &f.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  f.opts.ViewportWidth,
			Height: f.opts.ViewportHeight,
		},
		ExtraHttpHeaders: f.opts.ExtraHeaders,
		Geolocation: &playwright.Geolocation{
			Latitude:  geo.Latitude,
			Longitude: geo.Longitude,
		},
		Permissions: []string{"geolocation"},
	})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	session.context = bctx

	page, err := bctx.NewPage()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(f.opts.Timeout.Milliseconds()))
	session.page = page

	if err := session.Goto(ctx, url); err != nil {
		session.Close()
		return nil, err
	}

	f.logger.Debug("page opened", "url", url, "latitude", geo.Latitude, "longitude", geo.Longitude)
	return session, nil
}
