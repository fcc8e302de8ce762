// Command brokerd is the broker's process supervisor (C0): it loads
// configuration, wires the broker core to its transport and admin
// surfaces, and owns startup/shutdown and exit codes (spec §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from container CPU quota on import
	"go.uber.org/zap"

	"github.com/tanmay-xvx/inmem-pubsub/internal/admin"
	"github.com/tanmay-xvx/inmem-pubsub/internal/broker"
	"github.com/tanmay-xvx/inmem-pubsub/internal/config"
	"github.com/tanmay-xvx/inmem-pubsub/internal/logging"
	"github.com/tanmay-xvx/inmem-pubsub/internal/metrics"
	"github.com/tanmay-xvx/inmem-pubsub/internal/sysmetrics"
	"github.com/tanmay-xvx/inmem-pubsub/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	registry := broker.NewRegistry(cfg.Broker.HistoryCapacity, cfg.Broker.QueueCapacity, cfg.Broker.MaxTopics)
	metricsRegistry := metrics.NewRegistry()

	sampler, err := sysmetrics.NewSampler()
	if err != nil {
		logger.Warn("sysmetrics sampler unavailable", zap.Error(err))
	}
	sysStop := make(chan struct{})
	if sampler != nil {
		go sampler.Run(sysStop, 5*time.Second)
	}

	transportServer := transport.NewServer(cfg, logger, registry, metricsRegistry)
	adminHandler := admin.NewHandler(registry, metricsRegistry, sampler, logger, cfg.Admin.StrictMode, 50)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	adminErrCh := make(chan error, 1)
	go func() {
		adminErrCh <- runAdminServer(ctx, cfg, adminHandler, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin server error", zap.Error(err))
		}
		stop()
	}

	close(sysStop)
	transportServer.Stop()
	logger.Info("transport stopped", zap.Int("remaining_sessions", transportServer.SessionCount()))
}

func runAdminServer(ctx context.Context, cfg config.Config, adminHandler *admin.Handler, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := adminHandler.Router()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.Admin.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin http server starting", zap.String("addr", cfg.Admin.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
