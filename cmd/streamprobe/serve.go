package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/use-agent/streamprobe/admission"
	"github.com/use-agent/streamprobe/api"
	"github.com/use-agent/streamprobe/cache"
	"github.com/use-agent/streamprobe/metrics"
	"github.com/use-agent/streamprobe/relay"
	"github.com/use-agent/streamprobe/service"
	"github.com/use-agent/streamprobe/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP extraction service",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log, os.Stdout)
	slog.Info("streamprobe starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"mode", cfg.Server.Mode,
		"poolSize", cfg.Browser.PoolSize,
		"queueCapacity", cfg.Queue.Capacity,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Browser pool and engine ──────────────────────────────────
	ex := newExtraction(cfg, cfg.Browser.PoolSize)
	defer func() {
		if err := ex.close(); err != nil {
			slog.Warn("browser pool shutdown", "error", err)
		}
	}()
	go func() {
		if err := ex.pool.Initialize(ctx); err != nil {
			slog.Error("browser pool warm-up failed, browsers will launch on demand", "error", err)
			return
		}
		slog.Info("browser pool ready", "size", cfg.Browser.PoolSize)
	}()

	// ── 4. Cache, queue, metrics, service ───────────────────────────
	rc := cache.New(cache.Options{
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		MaxEntries:    cfg.Cache.MaxEntries,
	})
	defer rc.Stop()

	m := metrics.New()
	prober := service.New(service.Options{
		Engine:  ex.engine,
		Queue:   admission.New(cfg.Queue.Capacity),
		Cache:   rc,
		Pool:    ex.pool,
		Metrics: m,
	})
	batches := service.NewBatches(prober, webhook.NewSender(nil), cfg.Batch.JobTTL)
	defer batches.Stop()

	// ── 5. Router and server ────────────────────────────────────────
	router := api.NewRouter(ctx, api.Deps{
		Prober:    prober,
		Batches:   batches,
		Relay:     relay.New(relay.Options{Timeout: cfg.Relay.Timeout, Proxy: cfg.Browser.Proxy}),
		Metrics:   m,
		Config:    cfg,
		StartTime: time.Now(),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── 6. Graceful shutdown ────────────────────────────────────────
	select {
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	slog.Info("streamprobe stopped")
	return nil
}
