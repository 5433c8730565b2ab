// Package detail enriches condition-graded documents with their item page description.
package detail

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/eligibility"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/scraper"
)

// Poster forwards enrichment results.
type Poster interface {
	PostDetail(ctx context.Context, record models.DetailRecord) error
	PostDocs(ctx context.Context, docs []models.ProductDoc, transport string)
}

// Enricher is a fixed-size worker pool over one batch of documents.
type Enricher struct {
	client      *http.Client
	poster      Poster
	rules       eligibility.Rules
	resolver    URLResolver
	selectors   Selectors
	concurrency int
	timeout     time.Duration
	userAgent   string
	location    *time.Location
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New builds an enricher from cfg.
func New(client *http.Client, cfg *config.Config, poster Poster, m *metrics.Metrics) *Enricher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Enricher{
		client: client,
		poster: poster,
		rules:  eligibility.RulesFromConfig(cfg),
		resolver: URLResolver{
			Origin:     cfg.SiteOrigin,
			Template:   cfg.DetailURLTemplate,
			QueryKey:   cfg.DetailQueryKey,
			QueryValue: cfg.DetailQueryValue,
		},
		selectors: Selectors{
			Section:      cfg.DetailSectionSelector,
			ConditionRow: cfg.ConditionRowSelector,
		},
		concurrency: cfg.DetailConcurrency,
		timeout:     cfg.DetailTimeout,
		userAgent:   cfg.UserAgent,
		location:    cfg.Location(),
		metrics:     m,
		now:         time.Now,
	}
}

// Run processes docs with at most concurrency items in flight and returns when
// every doc is done. Workers claim indices from a shared cursor, so completion
// order is unspecified.
func (e *Enricher) Run(ctx context.Context, docs []models.ProductDoc, transport string) {
	if len(docs) == 0 {
		return
	}
	workers := e.concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(docs) {
		workers = len(docs)
	}

	var (
		cursor atomic.Int64
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(docs) || ctx.Err() != nil {
					return
				}
				e.process(ctx, docs[i], transport)
			}
		}()
	}
	wg.Wait()
}

func (e *Enricher) process(ctx context.Context, doc models.ProductDoc, transport string) {
	code, hasCode := doc.ProductCode()
	identity, hasIdentity := doc.Identity()
	cond, hasCond := doc.Condition()
	price, hasPrice := e.rules.DerivedPrice(doc)
	if !hasCode || !hasIdentity || !hasCond || !hasPrice {
		slog.Warn("detail skipped: missing required field",
			slog.String("component", "detail"),
			slog.String("context", transport),
			slog.Bool("jan", hasCode),
			slog.Bool("genpin_id", hasIdentity),
			slog.Bool("cond", hasCond),
			slog.Bool("price", hasPrice),
		)
		return
	}

	pageURL, err := e.resolver.Resolve(doc)
	if err != nil {
		slog.Warn("detail skipped: no item url",
			slog.String("component", "detail"),
			slog.String("genpin_id", identity),
			slog.Any("error", err),
		)
		return
	}

	start := time.Now()
	page, err := e.Fetch(ctx, pageURL)
	if err != nil {
		category := scraper.ErrorTypeLabel(err)
		e.metrics.ObserveDetailFetch(time.Since(start), category)
		e.metrics.IncError(category)
		attrs := []any{
			slog.String("component", "detail"),
			slog.String("genpin_id", identity),
			slog.String("url", pageURL),
			slog.String("category", category),
			slog.Any("error", err),
		}
		var timeout scraper.ErrTimeout
		if errors.As(err, &timeout) {
			slog.Warn("detail fetch timed out", attrs...)
		} else {
			slog.Warn("detail fetch failed", attrs...)
		}
		return
	}
	e.metrics.ObserveDetailFetch(time.Since(start), "ok")

	captured := e.now().In(e.location)
	record := models.DetailRecord{
		ProductCode: code,
		Identity:    identity,
		Price:       price,
		Condition:   cond,
		Description: Describe(page, e.selectors),
		UnixTime:    captured.UnixMilli(),
		Date:        captured.Format("2006-01-02"),
		Time:        captured.Format("15:04:05"),
	}

	if err := e.poster.PostDetail(ctx, record); err != nil {
		slog.Warn("detail post failed",
			slog.String("component", "detail"),
			slog.String("genpin_id", identity),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return
	}
	slog.Debug("detail posted",
		slog.String("component", "detail"),
		slog.String("genpin_id", identity),
		slog.Int("dsc_chars", len([]rune(record.Description))),
	)
	e.poster.PostDocs(ctx, []models.ProductDoc{doc}, transport)
}
