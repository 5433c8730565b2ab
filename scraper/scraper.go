// Package scraper drives the page whose search traffic is observed and
// classifies the network errors met along the way.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/intercept"
)

// Page is the host the agent observes. Each Open or Reload starts a new page load.
type Page interface {
	Open(ctx context.Context) error
	Reload(ctx context.Context) error
	Visible(ctx context.Context) bool
	URL() string
	Close() error
}

// APIPage is a headless host that issues the configured search request on a
// fixed interval while loaded, through either the fetch or the xhr transport.
type APIPage struct {
	cfg         *config.Config
	interceptor *intercept.Interceptor

	client    *http.Client
	collector *colly.Collector

	handlersOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAPIPage builds an API host. transport defaults to a tuned http.Transport.
func NewAPIPage(cfg *config.Config, i *intercept.Interceptor, transport http.RoundTripper) (*APIPage, error) {
	parsed, err := url.Parse(cfg.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("search url must include a host")
	}
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.RequestTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	p := &APIPage{cfg: cfg, interceptor: i}
	switch cfg.HostMode {
	case config.HostFetch:
		p.client = &http.Client{
			Transport: intercept.NewRoundTripper(i, transport),
			Timeout:   cfg.RequestTimeout,
		}
	case config.HostXHR:
		collector := colly.NewCollector(
			colly.AllowURLRevisit(),
			colly.UserAgent(cfg.UserAgent),
		)
		collector.SetRequestTimeout(cfg.RequestTimeout)
		collector.ParseHTTPErrorResponse = true
		collector.WithTransport(transport)
		p.collector = collector
	default:
		return nil, fmt.Errorf("api page does not support host mode %q", cfg.HostMode)
	}
	return p, nil
}

// Open starts the poll loop of the first page load.
func (p *APIPage) Open(ctx context.Context) error {
	if p.collector != nil {
		p.handlersOnce.Do(func() {
			p.collector.OnRequest(func(r *colly.Request) {
				r.Headers.Set("Accept", "application/json, text/plain, */*")
				r.Headers.Set("X-Requested-With", "XMLHttpRequest")
			})
			intercept.HookCollector(ctx, p.collector, p.interceptor)
		})
	}
	p.start(ctx)
	return nil
}

// Reload ends the current poll loop and starts a new one; the first request
// goes out immediately.
func (p *APIPage) Reload(ctx context.Context) error {
	p.stop()
	p.start(ctx)
	return nil
}

// Visible is always true for a headless host.
func (p *APIPage) Visible(context.Context) bool { return true }

// URL returns the polled search URL.
func (p *APIPage) URL() string { return p.cfg.SearchURL }

// Close stops polling.
func (p *APIPage) Close() error {
	p.stop()
	return nil
}

func (p *APIPage) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			p.poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (p *APIPage) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *APIPage) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	var err error
	if p.client != nil {
		err = p.fetch(ctx)
	} else {
		err = p.xhr()
	}
	if err != nil {
		slog.Debug("search poll failed",
			slog.String("component", "scraper"),
			slog.String("host", p.cfg.HostMode),
			slog.String("category", ErrorTypeLabel(ClassifyError(err, 0))),
			slog.Any("error", err),
		)
	}
}

func (p *APIPage) fetch(ctx context.Context) error {
	var body io.Reader
	if p.cfg.SearchBody != "" {
		body = strings.NewReader(p.cfg.SearchBody)
	}
	req, err := http.NewRequestWithContext(ctx, p.cfg.SearchMethod, p.cfg.SearchURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func (p *APIPage) xhr() error {
	var body io.Reader
	hdr := http.Header{"User-Agent": []string{p.cfg.UserAgent}}
	if p.cfg.SearchBody != "" {
		body = strings.NewReader(p.cfg.SearchBody)
		hdr.Set("Content-Type", "application/json")
	}
	return p.collector.Request(p.cfg.SearchMethod, p.cfg.SearchURL, body, nil, hdr)
}
