// Package agent runs the watch loop: one pipeline and one reload controller
// per page load, for as long as the session lasts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/dedup"
	"github.com/aluiziolira/mapcamera-watch/detail"
	"github.com/aluiziolira/mapcamera-watch/ingest"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/pipeline"
	"github.com/aluiziolira/mapcamera-watch/pricecache"
	"github.com/aluiziolira/mapcamera-watch/reload"
	"github.com/aluiziolira/mapcamera-watch/scraper"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

// Options wires a Runner to its collaborators. Page and Store are required.
type Options struct {
	Page    scraper.Page
	Store   storage.Store
	Client  *http.Client
	Metrics *metrics.Metrics
	// Log receives one record per exchange. Optional; the caller closes it.
	Log pipeline.OutputWriter
	// Clock overrides the reload scheduler, mainly in tests.
	Clock reload.Clock
}

type pageLoad struct {
	seq        int
	pipeline   *pipeline.Pipeline
	controller *reload.Controller
	cancel     context.CancelFunc
}

// Runner owns the session and drives page loads. It is the exchange handler
// of the page's interceptor.
type Runner struct {
	cfg  *config.Config
	opts Options

	current  atomic.Pointer[pageLoad]
	reloadCh chan struct{}
}

// New builds a runner.
func New(cfg *config.Config, opts Options) *Runner {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Runner{
		cfg:      cfg,
		opts:     opts,
		reloadCh: make(chan struct{}, 1),
	}
}

// HandleExchange routes ex to the current page load.
func (r *Runner) HandleExchange(ctx context.Context, ex *models.Exchange) {
	load := r.current.Load()
	if load == nil {
		slog.Debug("exchange dropped between page loads",
			slog.String("component", "agent"),
			slog.String("context", ex.Context),
			slog.String("url", ex.URL),
		)
		return
	}
	load.pipeline.HandleExchange(ctx, ex)
}

// Run opens the page and keeps reloading it until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.opts.Page == nil || r.opts.Store == nil {
		return errors.New("agent: page and store are required")
	}

	for seq := 0; ; seq++ {
		load, err := r.begin(ctx, seq)
		if err != nil {
			return err
		}

		if seq == 0 {
			err = r.opts.Page.Open(ctx)
		} else {
			err = r.opts.Page.Reload(ctx)
		}
		if err != nil {
			r.end(load)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("page load %d: %w", seq, err)
		}

		select {
		case <-ctx.Done():
			r.end(load)
			return nil
		case <-r.reloadCh:
			r.end(load)
		}
	}
}

func (r *Runner) begin(ctx context.Context, seq int) (*pageLoad, error) {
	// Drop a signal left over from the previous load.
	select {
	case <-r.reloadCh:
	default:
	}

	loadCtx, cancel := context.WithCancel(ctx)

	seen, err := dedup.Load(loadCtx, r.opts.Store, r.cfg.DedupeMaxSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load forwarded identities: %w", err)
	}

	prices := pricecache.New(r.opts.Client, r.cfg, r.opts.Store, r.opts.Metrics)
	prices.Ensure(loadCtx)

	poster := ingest.New(r.opts.Client, r.cfg, seen, r.opts.Metrics)
	poster.PageURL = r.opts.Page.URL
	enricher := detail.New(r.opts.Client, r.cfg, poster, r.opts.Metrics)

	controller := reload.New(r.opts.Store, r.cfg, reload.Options{
		Reload:  r.requestReload,
		Visible: r.opts.Page.Visible,
		Clock:   r.opts.Clock,
		Metrics: r.opts.Metrics,
	})

	p := pipeline.NewPipeline(loadCtx, pipeline.Deps{
		Prices:   prices,
		Seen:     seen,
		Poster:   poster,
		Enricher: enricher,
		Reload:   controller,
		Log:      r.opts.Log,
		Metrics:  r.opts.Metrics,
	}, r.cfg)
	p.Start(r.cfg.PipelineWorkers)
	if r.cfg.Verbose {
		p.StartMetricsReporting(30 * time.Second)
	}

	load := &pageLoad{seq: seq, pipeline: p, controller: controller, cancel: cancel}
	r.current.Store(load)

	slog.Info("page load started",
		slog.String("component", "agent"),
		slog.Int("load", seq),
		slog.String("url", r.opts.Page.URL()),
		slog.Int("forwarded_ids", seen.Len()),
		slog.Int("reloads", reload.LoadState(loadCtx, r.opts.Store).Reloads),
	)
	return load, nil
}

func (r *Runner) end(load *pageLoad) {
	r.current.CompareAndSwap(load, nil)
	load.controller.Stop()

	if err := load.pipeline.Close(); err != nil {
		slog.Warn("page load drain incomplete",
			slog.String("component", "agent"),
			slog.Int("load", load.seq),
			slog.Any("error", err),
		)
	}
	load.cancel()

	slog.Info("page load finished",
		slog.String("component", "agent"),
		slog.Int("load", load.seq),
		slog.Any("stats", load.pipeline.GetMetrics()),
	)
}

func (r *Runner) requestReload() {
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
}
