package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/ingestserver"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	addrDefault := "127.0.0.1:8000"
	if value, ok := config.EnvString("MCW_INGEST_ADDR"); ok {
		addrDefault = value
	}
	dsnDefault, _ := config.EnvString("MCW_PG_DSN")
	keyDefault, _ := config.EnvString("MCW_API_KEY")
	maxConnsDefault := 4
	if value, ok, err := config.EnvInt("MCW_PG_MAX_CONNS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid MCW_PG_MAX_CONNS: %v\n", err)
		os.Exit(1)
	} else if ok {
		maxConnsDefault = value
	}

	addr := flag.String("addr", addrDefault, "Listen address")
	dsn := flag.String("dsn", dsnDefault, "Postgres connection string")
	apiKey := flag.String("api-key", keyDefault, "Key expected in the x-api-key header")
	maxConns := flag.Int("max-conns", maxConnsDefault, "Postgres pool size")
	bootstrap := flag.Bool("bootstrap", true, "Create missing tables at startup")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if *dsn == "" {
		slog.Error("missing postgres dsn (-dsn or MCW_PG_DSN)")
		os.Exit(1)
	}
	if *apiKey == "" {
		slog.Warn("no api key configured; every ingestion call will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store, err := ingestserver.OpenPG(connectCtx, *dsn, *maxConns)
	cancel()
	if err != nil {
		slog.Error("opening postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	if *bootstrap {
		if err := store.Bootstrap(ctx); err != nil {
			slog.Error("bootstrapping schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           ingestserver.NewServer(store, *apiKey).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	slog.Info("ingest server listening", slog.String("addr", *addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ingest server failed", slog.Any("error", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, waiting for in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("ingest server shutdown failed", slog.Any("error", err))
		}
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
