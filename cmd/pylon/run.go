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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/pylonhq/pylon/internal/app"
	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/queue"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/server"
	"github.com/pylonhq/pylon/internal/storage/sqlite"
	"github.com/pylonhq/pylon/internal/telemetry"
	"github.com/pylonhq/pylon/internal/upstream"
	"github.com/pylonhq/pylon/internal/worker"
)

const (
	shutdownTimeout    = 10 * time.Second
	dnsRefreshInterval = 5 * time.Minute
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting pylon",
		"version", version,
		"proxy_addr", cfg.Server.ProxyAddr(),
		"admin_addr", cfg.Server.AdminAddr(),
	)

	// Open database
	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRatio)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background())
	}

	// Admission core: limiter and queue, coupled through the slot probe
	// and the release notification.
	limiter, err := ratelimit.New(cfg.RateLimit.Settings(), store)
	if err != nil {
		return err
	}
	q := queue.New(limiter, cfg.Queue.MaxSize, cfg.Queue.TimeoutDuration())
	limiter.SetNotify(q.NotifySlotAvailable)

	// Auth
	validator, err := auth.NewCredentialValidator(store)
	if err != nil {
		return err
	}
	adminAuth := auth.NewAdminAuth(cfg.Admin.PasswordHash, cfg.Admin.JWTSecret, cfg.Admin.TokenTTL())

	// Upstream client
	resolver := &dnscache.Resolver{}
	client := upstream.New(cfg.Downstream.BaseURL, cfg.Downstream.TimeoutDuration(), resolver)

	// Services
	keys := app.NewKeyService(store, validator.Invalidate, limiter.InvalidateUserRule)
	stats := app.NewStatsService(store)

	// Background workers
	recorder := worker.NewRecorder(store, metrics.RecordsDropped)
	retention, err := worker.NewRetentionWorker(store, cfg.Retention.Schedule, cfg.Retention.Days)
	if err != nil {
		return err
	}
	runner := worker.NewRunner(recorder, retention)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- runner.Run(workerCtx)
	}()

	go refreshDNS(workerCtx, resolver)

	// HTTP servers. The proxy server carries no write timeout: SSE
	// responses stay open for as long as the upstream keeps talking.
	proxySrv := &http.Server{
		Addr: cfg.Server.ProxyAddr(),
		Handler: server.NewProxy(server.Deps{
			Auth:        validator,
			Limiter:     limiter,
			Queue:       q,
			Upstream:    client,
			Recorder:    recorder,
			Metrics:     metrics,
			IdleTimeout: cfg.SSE.IdleTimeoutDuration(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr: cfg.Server.AdminAddr(),
		Handler: server.NewAdmin(server.AdminDeps{
			Auth:     adminAuth,
			Keys:     keys,
			Stats:    stats,
			Store:    store,
			Limiter:  limiter,
			Queue:    q,
			Config:   cfg,
			Gatherer: registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 2)
	go serve(proxySrv, errCh)
	go serve(adminSrv, errCh)

	slog.Info("pylon ready",
		"proxy_addr", cfg.Server.ProxyAddr(),
		"admin_addr", cfg.Server.AdminAddr(),
	)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Shutdown: stop accepting, then stop workers so the recorder
	// drains after the last in-flight request posted its log.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("proxy shutdown incomplete", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin shutdown incomplete", "error", err)
	}

	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("pylon stopped")
	return nil
}

func serve(srv *http.Server, errCh chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

// refreshDNS re-resolves cached upstream hosts so long-lived processes
// pick up DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
