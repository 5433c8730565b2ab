// Package pipeline turns observed search exchanges into forwarded documents
// for the lifetime of one page load.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/eligibility"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/parser"
)

var (
	// ErrPipelineClosed is returned when a batch arrives after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when in-flight batches outlive the drain timeout.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// OutputWriter receives exchange records.
type OutputWriter interface {
	Write(records []models.ExchangeRecord) error
	Close() error
	Validate() error
}

// PriceTable loads the reference price table and answers lookups from it.
type PriceTable interface {
	eligibility.PriceSource
	Table(ctx context.Context) (*models.PriceTable, error)
}

// DocPoster forwards direct-lane documents.
type DocPoster interface {
	PostDocs(ctx context.Context, docs []models.ProductDoc, transport string)
}

// Enricher processes enrichment-lane documents.
type Enricher interface {
	Run(ctx context.Context, docs []models.ProductDoc, transport string)
}

// Trigger is notified once per handled exchange.
type Trigger interface {
	Trigger(ctx context.Context, reason string)
}

// Deps are the per-load collaborators of a pipeline.
type Deps struct {
	Prices   PriceTable
	Seen     eligibility.Seen
	Poster   DocPoster
	Enricher Enricher
	Reload   Trigger
	// Log is optional and outlives the pipeline; the owner closes it.
	Log     OutputWriter
	Metrics *metrics.Metrics
}

type docBatch struct {
	transport string
	docs      []models.ProductDoc
}

// Pipeline coordinates eligibility, forwarding and enrichment of document batches.
type Pipeline struct {
	deps   Deps
	filter *eligibility.Filter

	ctx    context.Context
	cancel context.CancelFunc

	batchCh      chan docBatch
	drainTimeout time.Duration

	wg sync.WaitGroup

	stats *stats

	claimMu sync.Mutex
	claimed map[string]struct{} // enrichment identities taken by this load
	now   func() time.Time

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline whose work is bound to ctx.
func NewPipeline(ctx context.Context, deps Deps, cfg *config.Config) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		deps:         deps,
		ctx:          ctx,
		cancel:       cancel,
		batchCh:      make(chan docBatch, 64),
		drainTimeout: cfg.DrainTimeout,
		stats:        newStats(),
		claimed:      make(map[string]struct{}),
		now:          time.Now,
		shutdown:     make(chan struct{}),
	}
	p.filter = &eligibility.Filter{
		Rules:  eligibility.RulesFromConfig(cfg),
		Prices: deps.Prices,
		Seen:   deps.Seen,
		OnDrop: func(_ models.ProductDoc, reason string) {
			p.stats.addDrop(reason)
			deps.Metrics.IncDropped(reason)
		},
	}
	return p
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// HandleExchange logs ex, queues its documents and notifies the reload
// trigger. The trigger fires on every path, including a panic while
// inspecting the exchange.
func (p *Pipeline) HandleExchange(ctx context.Context, ex *models.Exchange) {
	failed := ex.Err != nil
	defer func() {
		if r := recover(); r != nil {
			failed = true
			p.stats.addError()
			slog.Error("exchange handling panicked",
				slog.String("component", "pipeline"),
				slog.String("context", ex.Context),
				slog.String("url", ex.URL),
				slog.Any("error", fmt.Errorf("%v", r)),
			)
		}
		reason := ex.Context + " response logged"
		if failed {
			reason = ex.Context + " response error logged"
		}
		if p.deps.Reload != nil {
			p.deps.Reload.Trigger(ctx, reason)
		}
	}()

	docs, _ := parser.Docs(ex.Body)
	p.stats.addExchange(len(docs))
	p.logExchange(ex, len(docs))

	if ex.Err != nil {
		p.stats.addError()
		slog.Error("search response error",
			slog.String("component", "pipeline"),
			slog.String("context", ex.Context),
			slog.String("url", ex.URL),
			slog.Int("status", ex.Status),
			slog.Any("error", ex.Err),
		)
		return
	}
	if len(docs) == 0 {
		return
	}

	p.deps.Metrics.AddDocs(len(docs))
	if err := p.enqueue(docBatch{transport: ex.Context, docs: docs}); err != nil {
		slog.Warn("document batch dropped",
			slog.String("component", "pipeline"),
			slog.String("context", ex.Context),
			slog.Int("docs", len(docs)),
			slog.Any("error", err),
		)
	}
}

// Close stops intake and waits for queued batches up to the drain timeout.
// The pipeline context is cancelled either way.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.batchCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.drainTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
	case <-timer.C:
		p.cancel()
		p.setErr(ErrPipelineCloseTimeout)
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.stats.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.String("component", "pipeline"),
					slog.Any("exchanges", snapshot["exchanges"]),
					slog.Any("docs", snapshot["docs"]),
					slog.Any("direct", snapshot["eligible_direct"]),
					slog.Any("enrich", snapshot["eligible_enrich"]),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for batch := range p.batchCh {
		p.process(batch)
	}
}

func (p *Pipeline) process(batch docBatch) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.addError()
			slog.Error("document batch panicked",
				slog.String("component", "pipeline"),
				slog.String("context", batch.transport),
				slog.Any("error", fmt.Errorf("%v", r)),
			)
		}
	}()

	if _, err := p.deps.Prices.Table(p.ctx); err != nil {
		p.stats.addDrop("price_table_unavailable")
		slog.Warn("price table unavailable, batch skipped",
			slog.String("component", "pipeline"),
			slog.String("context", batch.transport),
			slog.Int("docs", len(batch.docs)),
			slog.Any("error", err),
		)
		return
	}

	lanes := p.filter.Partition(p.ctx, batch.docs)
	lanes.Enrich = p.claim(lanes.Enrich)
	p.stats.addEligible(len(lanes.Direct), len(lanes.Enrich))
	p.deps.Metrics.AddEligible("direct", len(lanes.Direct))
	p.deps.Metrics.AddEligible("enrich", len(lanes.Enrich))

	slog.Info("document batch filtered",
		slog.String("component", "pipeline"),
		slog.String("context", batch.transport),
		slog.Int("docs", len(batch.docs)),
		slog.Int("direct", len(lanes.Direct)),
		slog.Int("enrich", len(lanes.Enrich)),
	)

	if len(lanes.Direct) > 0 {
		p.deps.Poster.PostDocs(p.ctx, lanes.Direct, batch.transport)
	}
	if len(lanes.Enrich) > 0 && p.deps.Enricher != nil {
		p.deps.Enricher.Run(p.ctx, lanes.Enrich, batch.transport)
	}
}

// claim keeps the enrichment docs no earlier batch of this load has taken,
// whatever became of their detail post. Repeats within docs are dropped too.
func (p *Pipeline) claim(docs []models.ProductDoc) []models.ProductDoc {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	var out []models.ProductDoc
	for _, doc := range docs {
		if id, ok := doc.Identity(); ok {
			if _, taken := p.claimed[id]; taken {
				p.stats.addDrop(eligibility.DropClaimed)
				p.deps.Metrics.IncDropped(eligibility.DropClaimed)
				continue
			}
			p.claimed[id] = struct{}{}
		}
		out = append(out, doc)
	}
	return out
}

func (p *Pipeline) logExchange(ex *models.Exchange, docsCount int) {
	rec := ex.Summarize(p.now(), docsCount)
	attrs := []any{
		slog.String("component", "pipeline"),
		slog.String("context", rec.Context),
		slog.String("url", rec.URL),
		slog.String("method", rec.Method),
		slog.Int("status", rec.Status),
		slog.String("content_type", rec.ContentType),
		slog.String("response_type", rec.ResponseType),
		slog.Int("docsCount", rec.DocsCount),
	}
	// Non-search bodies are logged as text; docs are only ever counted.
	if s, ok := ex.Body.(string); ok && s != "" {
		attrs = append(attrs, slog.String("body", s))
	}
	slog.Info("search response", attrs...)

	if p.deps.Log == nil {
		return
	}
	if err := p.deps.Log.Write([]models.ExchangeRecord{rec}); err != nil {
		slog.Warn("exchange log write failed",
			slog.String("component", "pipeline"),
			slog.Any("error", err),
		)
	}
}

func (p *Pipeline) enqueue(batch docBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.batchCh <- batch:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.closed = true
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type stats struct {
	mu        sync.Mutex
	exchanges int64
	errors    int64
	docs      int64
	direct    int64
	enrich    int64
	drops     map[string]int
}

func newStats() *stats {
	return &stats{
		drops: make(map[string]int),
	}
}

func (s *stats) addExchange(docs int) {
	s.mu.Lock()
	s.exchanges++
	s.docs += int64(docs)
	s.mu.Unlock()
}

func (s *stats) addError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *stats) addEligible(direct, enrich int) {
	s.mu.Lock()
	s.direct += int64(direct)
	s.enrich += int64(enrich)
	s.mu.Unlock()
}

func (s *stats) addDrop(reason string) {
	s.mu.Lock()
	s.drops[reason]++
	s.mu.Unlock()
}

func (s *stats) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	copyDrops := make(map[string]int, len(s.drops))
	for k, v := range s.drops {
		copyDrops[k] = v
	}

	return map[string]interface{}{
		"exchanges":       s.exchanges,
		"exchange_errors": s.errors,
		"docs":            s.docs,
		"eligible_direct": s.direct,
		"eligible_enrich": s.enrich,
		"dropped":         copyDrops,
	}
}
