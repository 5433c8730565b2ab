package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/models"
)

type fakePrices struct {
	table *models.PriceTable
	err   error
}

func (f *fakePrices) Table(context.Context) (*models.PriceTable, error) {
	return f.table, f.err
}

func (f *fakePrices) Get(_ context.Context, code string) (float64, bool) {
	if f.err != nil {
		return 0, false
	}
	return f.table.Lookup(code)
}

type seenSet map[string]bool

func (s seenSet) Has(id string) bool { return s[id] }

type mockPoster struct {
	mu      sync.Mutex
	batches [][]models.ProductDoc
}

func (m *mockPoster) PostDocs(_ context.Context, docs []models.ProductDoc, _ string) {
	m.mu.Lock()
	m.batches = append(m.batches, docs)
	m.mu.Unlock()
}

func (m *mockPoster) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type mockEnricher struct {
	mu      sync.Mutex
	docs    []models.ProductDoc
	blockCh chan struct{}
}

func (m *mockEnricher) Run(ctx context.Context, docs []models.ProductDoc, _ string) {
	if m.blockCh != nil {
		select {
		case <-m.blockCh:
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	m.docs = append(m.docs, docs...)
	m.mu.Unlock()
}

func (m *mockEnricher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

type mockTrigger struct {
	mu      sync.Mutex
	reasons []string
}

func (m *mockTrigger) Trigger(_ context.Context, reason string) {
	m.mu.Lock()
	m.reasons = append(m.reasons, reason)
	m.mu.Unlock()
}

func (m *mockTrigger) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reasons...)
}

type panickingWriter struct{}

func (panickingWriter) Write([]models.ExchangeRecord) error { panic("boom") }
func (panickingWriter) Close() error                        { return nil }
func (panickingWriter) Validate() error                     { return nil }

type fixture struct {
	poster   *mockPoster
	enricher *mockEnricher
	trigger  *mockTrigger
	deps     Deps
}

func newFixture() *fixture {
	f := &fixture{
		poster:   &mockPoster{},
		enricher: &mockEnricher{},
		trigger:  &mockTrigger{},
	}
	f.deps = Deps{
		Prices: &fakePrices{table: &models.PriceTable{Prices: map[string]float64{
			"4549292075748": 50000,
			"4960759149336": 15000,
		}}},
		Seen:     seenSet{"forwarded": true},
		Poster:   f.poster,
		Enricher: f.enricher,
		Reload:   f.trigger,
	}
	return f
}

func doc(id, jan string, cond int, special int) map[string]any {
	return map[string]any{
		"genpinId":     id,
		"janCode":      jan,
		"cond":         json.Number(jsonInt(cond)),
		"specialPrice": json.Number(jsonInt(special)),
	}
}

func jsonInt(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func searchExchange(transport string, docs ...map[string]any) *models.Exchange {
	entries := make([]any, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, d)
	}
	return &models.Exchange{
		Context:     transport,
		URL:         "https://www.mapcamera.com/ec/api/itemsearch?q=1",
		Method:      "GET",
		Status:      200,
		ContentType: "application/json",
		Body:        map[string]any{"response": map[string]any{"docs": entries}},
	}
}

func TestHandleExchangeRoutesLanes(t *testing.T) {
	cfg := config.DefaultConfig()
	f := newFixture()
	p := NewPipeline(context.Background(), f.deps, cfg)
	p.Start(1)

	p.HandleExchange(context.Background(), searchExchange(models.ContextFetch,
		doc("1", "4549292075748", 3, 10000),  // direct
		doc("2", "4549292075748", 7, 10000),  // enrich
		doc("3", "4960759149336", 3, 10000),  // margin 1066
		doc("4", "0000000000000", 3, 10000),  // no reference price
		doc("forwarded", "4549292075748", 3, 10000),
	))

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := f.poster.total(); got != 1 {
		t.Fatalf("direct posts = %d, want 1", got)
	}
	if got := f.enricher.count(); got != 1 {
		t.Fatalf("enriched = %d, want 1", got)
	}
	if reasons := f.trigger.all(); len(reasons) != 1 || reasons[0] != "fetch response logged" {
		t.Fatalf("trigger reasons = %v", reasons)
	}

	snapshot := p.GetMetrics()
	drops := snapshot["dropped"].(map[string]int)
	if drops["margin"] != 1 || drops["no_reference_price"] != 1 || drops["forwarded"] != 1 {
		t.Fatalf("drops = %v", drops)
	}
	if snapshot["docs"].(int64) != 5 {
		t.Fatalf("docs = %v, want 5", snapshot["docs"])
	}
}

func TestHandleExchangeErrorStillTriggers(t *testing.T) {
	f := newFixture()
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(1)

	ex := searchExchange(models.ContextXHR, doc("1", "4549292075748", 3, 10000))
	ex.Err = errors.New("parser: invalid json body")
	p.HandleExchange(context.Background(), ex)
	p.Close()

	if f.poster.total() != 0 {
		t.Fatalf("failed exchange must not forward docs")
	}
	if reasons := f.trigger.all(); len(reasons) != 1 || reasons[0] != "xhr response error logged" {
		t.Fatalf("trigger reasons = %v", reasons)
	}
}

func TestHandleExchangePanicStillTriggers(t *testing.T) {
	f := newFixture()
	f.deps.Log = panickingWriter{}
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(1)

	p.HandleExchange(context.Background(), searchExchange(models.ContextFetch))
	p.Close()

	if reasons := f.trigger.all(); len(reasons) != 1 || reasons[0] != "fetch response error logged" {
		t.Fatalf("trigger reasons = %v", reasons)
	}
}

func TestNonSearchBodyTriggersWithoutWork(t *testing.T) {
	f := newFixture()
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(1)

	p.HandleExchange(context.Background(), &models.Exchange{
		Context: models.ContextFetch,
		Status:  200,
		Body:    map[string]any{"response": map[string]any{"numFound": 0}},
	})
	p.Close()

	if f.poster.total() != 0 || f.enricher.count() != 0 {
		t.Fatalf("no documents means no work")
	}
	if len(f.trigger.all()) != 1 {
		t.Fatalf("trigger must fire for every exchange")
	}
}

func TestPriceTableUnavailableSkipsBatch(t *testing.T) {
	f := newFixture()
	f.deps.Prices = &fakePrices{err: errors.New("status 500")}
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(1)

	p.HandleExchange(context.Background(), searchExchange(models.ContextFetch, doc("1", "4549292075748", 3, 10000)))
	p.Close()

	if f.poster.total() != 0 {
		t.Fatalf("nothing should be forwarded without a price table")
	}
	if drops := p.GetMetrics()["dropped"].(map[string]int); drops["price_table_unavailable"] != 1 {
		t.Fatalf("drops = %v", drops)
	}
}

func TestHandleExchangeAfterClose(t *testing.T) {
	f := newFixture()
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(1)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p.HandleExchange(context.Background(), searchExchange(models.ContextFetch, doc("1", "4549292075748", 3, 10000)))

	if f.poster.total() != 0 {
		t.Fatalf("closed pipeline must not process batches")
	}
	if len(f.trigger.all()) != 1 {
		t.Fatalf("trigger must still fire after close")
	}
}

func TestPipelineCloseDrainsPendingBatches(t *testing.T) {
	f := newFixture()
	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.Start(2)

	for i := 0; i < 50; i++ {
		p.HandleExchange(context.Background(), searchExchange(models.ContextFetch,
			doc(jsonInt(i), "4549292075748", 3, 10000)))
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.poster.total(); got != 50 {
		t.Fatalf("forwarded = %d, want 50", got)
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	f := newFixture()
	f.enricher.blockCh = make(chan struct{})
	t.Cleanup(func() { close(f.enricher.blockCh) })

	p := NewPipeline(context.Background(), f.deps, config.DefaultConfig())
	p.drainTimeout = 25 * time.Millisecond
	p.Start(1)

	p.HandleExchange(context.Background(), searchExchange(models.ContextXHR, doc("1", "4549292075748", 7, 10000)))
	// Let the worker pick the batch up.
	time.Sleep(10 * time.Millisecond)

	if err := p.Close(); !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
	if p.ctx.Err() == nil {
		t.Fatalf("pipeline context must be cancelled after close")
	}
}
