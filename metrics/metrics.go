// Package metrics bundles the Prometheus collectors of the watch agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector on a dedicated registry. A nil *Metrics is
// valid and turns every method into a no-op.
type Metrics struct {
	Registry            *prometheus.Registry
	ExchangesTotal      *prometheus.CounterVec
	DocsTotal           prometheus.Counter
	EligibleTotal       *prometheus.CounterVec
	DroppedTotal        *prometheus.CounterVec
	DetailFetchDuration prometheus.Histogram
	DetailFetchTotal    *prometheus.CounterVec
	IngestPostsTotal    *prometheus.CounterVec
	ReloadsTotal        *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
}

// New constructs and registers all metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	exchanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_exchanges_total",
			Help: "Observed item search responses by transport context and outcome.",
		},
		[]string{"context", "outcome"},
	)
	docs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcw_docs_total",
			Help: "Product documents extracted from item search responses.",
		},
	)
	eligible := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_eligible_docs_total",
			Help: "Documents passing the margin check, by lane.",
		},
		[]string{"lane"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_dropped_docs_total",
			Help: "Documents removed by the eligibility filter, by reason.",
		},
		[]string{"reason"},
	)
	detailDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcw_detail_fetch_duration_seconds",
			Help:    "Latency of detail page fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)
	detailFetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_detail_fetches_total",
			Help: "Detail page fetches by result.",
		},
		[]string{"result"},
	)
	posts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_ingest_posts_total",
			Help: "Posts to the ingestion service by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)
	reloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_reload_decisions_total",
			Help: "Reload controller decisions by outcome.",
		},
		[]string{"outcome"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcw_errors_total",
			Help: "Network errors by classified type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(exchanges, docs, eligible, dropped, detailDuration, detailFetches, posts, reloads, errorsTotal)

	return &Metrics{
		Registry:            registry,
		ExchangesTotal:      exchanges,
		DocsTotal:           docs,
		EligibleTotal:       eligible,
		DroppedTotal:        dropped,
		DetailFetchDuration: detailDuration,
		DetailFetchTotal:    detailFetches,
		IngestPostsTotal:    posts,
		ReloadsTotal:        reloads,
		ErrorsTotal:         errorsTotal,
	}
}

func (m *Metrics) IncExchange(context, outcome string) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(context, outcome).Inc()
}

func (m *Metrics) AddDocs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DocsTotal.Add(float64(n))
}

func (m *Metrics) AddEligible(lane string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EligibleTotal.WithLabelValues(lane).Add(float64(n))
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveDetailFetch records one detail fetch and its result label.
func (m *Metrics) ObserveDetailFetch(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.DetailFetchDuration.Observe(d.Seconds())
	m.DetailFetchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPost(endpoint, result string) {
	if m == nil {
		return
	}
	m.IngestPostsTotal.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) IncReload(outcome string) {
	if m == nil {
		return
	}
	m.ReloadsTotal.WithLabelValues(outcome).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
