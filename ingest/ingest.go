// Package ingest posts documents and detail records to the ingestion service.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/scraper"
)

// Marker claims documents for forwarding. Claimed identities are never
// returned again within the session.
type Marker interface {
	MarkAll(ctx context.Context, docs []models.ProductDoc) []models.ProductDoc
}

// Client is the authenticated ingestion client.
type Client struct {
	http      *http.Client
	docsURL   string
	detailURL string
	apiKey    string
	enabled   bool
	timeout   time.Duration
	marker    Marker
	metrics   *metrics.Metrics

	// PageURL reports the page the documents were observed on.
	PageURL func() string
	now     func() time.Time
}

// New builds a client. marker may be nil, which disables deduplication.
func New(client *http.Client, cfg *config.Config, marker Marker, m *metrics.Metrics) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	pageURL := cfg.PageURL
	if cfg.HostMode != config.HostBrowser {
		pageURL = cfg.SearchURL
	}
	return &Client{
		http:      client,
		docsURL:   cfg.IngestURL,
		detailURL: cfg.DetailIngestURL,
		apiKey:    cfg.APIKey,
		enabled:   cfg.IngestEnabled,
		timeout:   cfg.RequestTimeout,
		marker:    marker,
		metrics:   m,
		PageURL:   func() string { return pageURL },
		now:       time.Now,
	}
}

// PostDocs forwards docs not yet forwarded in this session. Identities are
// claimed before the request goes out, so a failed post is not retried for
// the same identity. Failures are logged and swallowed.
func (c *Client) PostDocs(ctx context.Context, docs []models.ProductDoc, transport string) {
	if !c.enabled {
		return
	}
	if c.apiKey == "" {
		slog.Warn("docs post skipped: missing api key", slog.String("component", "ingest"))
		return
	}
	if len(docs) == 0 {
		return
	}

	fresh := docs
	if c.marker != nil {
		fresh = c.marker.MarkAll(ctx, docs)
	}
	if len(fresh) == 0 {
		return
	}

	batch := models.IngestBatch{
		ClientTSMs: c.now().UnixMilli(),
		PageURL:    c.PageURL(),
		Context:    transport,
		Docs:       fresh,
	}
	if err := c.post(ctx, c.docsURL, batch); err != nil {
		c.metrics.IncPost("docs", "error")
		c.metrics.IncError(scraper.ErrorTypeLabel(err))
		slog.Warn("docs post failed",
			slog.String("component", "ingest"),
			slog.String("context", transport),
			slog.Int("count", len(fresh)),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return
	}
	c.metrics.IncPost("docs", "ok")
	slog.Info("docs posted",
		slog.String("component", "ingest"),
		slog.String("context", transport),
		slog.Int("count", len(fresh)),
	)
}

// PostDetail sends one detail record. Non-2xx responses are errors.
func (c *Client) PostDetail(ctx context.Context, record models.DetailRecord) error {
	if !c.enabled {
		return fmt.Errorf("ingest disabled")
	}
	if c.apiKey == "" {
		return fmt.Errorf("missing api key")
	}
	if err := c.post(ctx, c.detailURL, record); err != nil {
		c.metrics.IncPost("detail", "error")
		c.metrics.IncError(scraper.ErrorTypeLabel(err))
		return fmt.Errorf("post detail %s: %w", record.Identity, err)
	}
	c.metrics.IncPost("detail", "ok")
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	// A post in flight outlives the page load that issued it; only the
	// request timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err := scraper.CheckResponse(resp, err); err != nil {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
