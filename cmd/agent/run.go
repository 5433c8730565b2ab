package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/mapcamera-watch/agent"
	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/ingest"
	"github.com/aluiziolira/mapcamera-watch/intercept"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/pipeline"
	"github.com/aluiziolira/mapcamera-watch/scraper"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

type runOptions struct {
	host        string
	metricsAddr string
	logJSON     string
	logCSV      string
	logIngest   string
	showUI      bool
	noIngest    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the search page and watch it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", config.HostFetch, "Page host: fetch, xhr, or browser")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.StringVar(&opts.logJSON, "exchange-log", "", "Append one JSON line per search exchange to this file")
	flags.StringVar(&opts.logCSV, "exchange-csv", "", "Append one CSV row per search exchange to this file")
	flags.StringVar(&opts.logIngest, "log-ingest-url", "", "Post every search exchange, bodies included, to this log endpoint")
	flags.BoolVar(&opts.showUI, "showui", false, "Show the browser window (browser host only)")
	flags.BoolVar(&opts.noIngest, "no-ingest", false, "Observe and log only; never post to the ingestion service")
	return cmd
}

// apply overrides cfg with the flags the user set explicitly.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.HostMode = o.host
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if flags.Changed("exchange-log") {
		cfg.ExchangeLogJSON = o.logJSON
	}
	if flags.Changed("exchange-csv") {
		cfg.ExchangeLogCSV = o.logCSV
	}
	if flags.Changed("log-ingest-url") {
		cfg.LogIngestURL = o.logIngest
	}
	if o.showUI {
		cfg.Headless = false
	}
	if o.noIngest {
		cfg.IngestEnabled = false
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, draining the current page load")
	}()

	store, err := storage.Open(ctx, cfg, cfg.SessionID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close session store", slog.Any("error", err))
		}
	}()

	m := metrics.New()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	exchangeLog, err := pipeline.NewExchangeLog(cfg.ExchangeLogJSON, cfg.ExchangeLogCSV)
	if err != nil {
		return fmt.Errorf("open exchange log: %w", err)
	}

	interceptor := intercept.New(cfg, nil, m)
	page, err := newPage(cfg, interceptor)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.IngestEnabled && cfg.LogIngestURL != "" {
		logClient := ingest.New(client, cfg, nil, m)
		logClient.PageURL = page.URL
		exchangeLog = pipeline.Combine(exchangeLog, ingest.NewLogShipper(logClient, cfg.LogIngestURL, cfg.SessionID))
		slog.Info("exchange log shipping enabled", slog.String("url", cfg.LogIngestURL))
	}

	runner := agent.New(cfg, agent.Options{
		Page:    page,
		Store:   store,
		Client:  client,
		Metrics: m,
		Log:     exchangeLog,
	})
	interceptor.Handler = runner

	slog.Info("starting watch",
		slog.String("session", cfg.SessionID),
		slog.String("host", cfg.HostMode),
		slog.String("url", page.URL()),
		slog.Bool("ingest", cfg.IngestEnabled),
	)

	runErr := runner.Run(ctx)

	if err := page.Close(); err != nil {
		slog.Warn("close page", slog.Any("error", err))
	}
	if exchangeLog != nil {
		if err := exchangeLog.Validate(); err != nil {
			slog.Warn("exchange log validation failed", slog.Any("error", err))
		}
		if err := exchangeLog.Close(); err != nil {
			slog.Error("close exchange log", slog.Any("error", err))
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		return fmt.Errorf("watch stopped: %w", runErr)
	}
	slog.Info("watch stopped", slog.String("session", cfg.SessionID))
	return nil
}

func newPage(cfg *config.Config, i *intercept.Interceptor) (scraper.Page, error) {
	if cfg.HostMode == config.HostBrowser {
		return scraper.NewBrowserPage(cfg, i), nil
	}
	page, err := scraper.NewAPIPage(cfg, i, nil)
	if err != nil {
		return nil, fmt.Errorf("initialising page: %w", err)
	}
	return page, nil
}
