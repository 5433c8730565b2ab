package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/intercept"
)

// BrowserPage is a Chromium tab driven over CDP. Its fetch and XHR traffic
// is observed through the network domain.
type BrowserPage struct {
	cfg         *config.Config
	interceptor *intercept.Interceptor

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// NewBrowserPage returns an unopened browser host.
func NewBrowserPage(cfg *config.Config, i *intercept.Interceptor) *BrowserPage {
	return &BrowserPage{cfg: cfg, interceptor: i}
}

// Open launches the browser, attaches the observer and navigates to the page URL.
func (b *BrowserPage) Open(ctx context.Context) error {
	l := launcher.New().Headless(b.cfg.Headless).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect browser: %w", err)
	}

	var page *rod.Page
	if b.cfg.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		browser.Close()
		l.Kill()
		return fmt.Errorf("create page: %w", err)
	}
	_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.cfg.UserAgent})

	wait, err := intercept.AttachCDP(ctx, page, b.interceptor)
	if err != nil {
		browser.Close()
		l.Kill()
		return fmt.Errorf("attach network observer: %w", err)
	}
	go wait()

	b.mu.Lock()
	b.launcher, b.browser, b.page = l, browser, page
	b.mu.Unlock()

	if err := page.Timeout(b.cfg.RequestTimeout).Navigate(b.cfg.PageURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	b.waitLoad()
	return nil
}

// Reload reloads the tab. Network observation survives the navigation.
func (b *BrowserPage) Reload(ctx context.Context) error {
	page := b.current()
	if page == nil {
		return fmt.Errorf("browser page is not open")
	}
	if err := page.Context(ctx).Timeout(b.cfg.RequestTimeout).Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	b.waitLoad()
	return nil
}

// Visible reports whether document.visibilityState is "visible".
func (b *BrowserPage) Visible(ctx context.Context) bool {
	page := b.current()
	if page == nil {
		return false
	}
	res, err := page.Context(ctx).Timeout(5 * time.Second).Eval(`() => document.visibilityState`)
	if err != nil {
		slog.Debug("visibility check failed",
			slog.String("component", "scraper"),
			slog.Any("error", err),
		)
		return false
	}
	return res.Value.Str() == "visible"
}

// URL returns the configured page URL.
func (b *BrowserPage) URL() string { return b.cfg.PageURL }

// Close shuts the browser down.
func (b *BrowserPage) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Kill()
	}
	b.browser, b.page, b.launcher = nil, nil, nil
	return err
}

func (b *BrowserPage) current() *rod.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

func (b *BrowserPage) waitLoad() {
	page := b.current()
	if page == nil {
		return
	}
	if err := page.Timeout(b.cfg.RequestTimeout).WaitLoad(); err != nil {
		slog.Warn("page load wait failed",
			slog.String("component", "scraper"),
			slog.String("url", b.cfg.PageURL),
			slog.Any("error", err),
		)
	}
}
