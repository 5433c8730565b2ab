// Package pricecache loads the reference price table once per session.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/scraper"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

// ErrUnavailable is returned when the table is neither persisted nor fetchable.
var ErrUnavailable = errors.New("pricecache: reference prices unavailable")

const maxPriceBody = 32 << 20

// Cache memoizes the price table for one page load and persists the raw
// fetched body in the session store so later loads never refetch it.
type Cache struct {
	client  *http.Client
	url     string
	apiKey  string
	timeout time.Duration
	store   storage.Store
	metrics *metrics.Metrics

	group singleflight.Group

	mu    sync.RWMutex
	table *models.PriceTable
}

// New builds a cache backed by store.
func New(client *http.Client, cfg *config.Config, store storage.Store, m *metrics.Metrics) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		client:  client,
		url:     cfg.PriceMasterURL,
		apiKey:  cfg.APIKey,
		timeout: cfg.RequestTimeout,
		store:   store,
		metrics: m,
	}
}

// Ensure starts loading the table in the background unless it is already known.
func (c *Cache) Ensure(ctx context.Context) {
	if c.cached() != nil {
		return
	}
	go func() {
		if _, err := c.Table(ctx); err != nil {
			slog.Debug("price table prefetch failed",
				slog.String("component", "pricecache"),
				slog.Any("error", err),
			)
		}
	}()
}

// Table returns the memoized table. Concurrent callers share one in-flight
// load; a failed load is not memoized and is retried on the next call.
func (c *Cache) Table(ctx context.Context) (*models.PriceTable, error) {
	if table := c.cached(); table != nil {
		return table, nil
	}

	ch := c.group.DoChan("table", func() (any, error) {
		if table := c.cached(); table != nil {
			return table, nil
		}
		table, err := c.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.table = table
		c.mu.Unlock()
		return table, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.PriceTable), nil
	}
}

// Get returns the reference price for code, false when unknown.
func (c *Cache) Get(ctx context.Context, code string) (float64, bool) {
	table, err := c.Table(ctx)
	if err != nil {
		return 0, false
	}
	return table.Lookup(code)
}

func (c *Cache) cached() *models.PriceTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

func (c *Cache) load(ctx context.Context) (*models.PriceTable, error) {
	raw, err := c.store.Get(ctx, storage.KeyPriceMaster)
	switch {
	case err == nil:
		table, decodeErr := models.DecodePriceTable(raw)
		if decodeErr == nil {
			return table, nil
		}
		slog.Warn("persisted price table unreadable, refetching",
			slog.String("component", "pricecache"),
			slog.Any("error", decodeErr),
		)
	case !errors.Is(err, storage.ErrNotFound):
		slog.Warn("price table storage read failed",
			slog.String("component", "pricecache"),
			slog.Any("error", err),
		)
	}

	raw, err = c.fetch(ctx)
	if err != nil {
		c.metrics.IncError(scraper.ErrorTypeLabel(err))
		slog.Warn("price master unavailable",
			slog.String("component", "pricecache"),
			slog.String("url", c.url),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	table, err := models.DecodePriceTable(raw)
	if err != nil {
		slog.Warn("price master body invalid",
			slog.String("component", "pricecache"),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := c.store.Set(ctx, storage.KeyPriceMaster, raw); err != nil {
		slog.Warn("persist price table failed",
			slog.String("component", "pricecache"),
			slog.Any("error", err),
		)
	}
	slog.Info("price table loaded",
		slog.String("component", "pricecache"),
		slog.Int("codes", len(table.Prices)),
		slog.String("updated_at", table.UpdatedAt),
	)
	return table, nil
}

func (c *Cache) fetch(ctx context.Context) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err := scraper.CheckResponse(resp, err); err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPriceBody))
	if err != nil {
		return nil, scraper.ClassifyError(err, 0)
	}
	return raw, nil
}
