package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/relay/internal/api"
	"github.com/nadmax/relay/internal/config"
	"github.com/nadmax/relay/internal/delivery"
	"github.com/nadmax/relay/internal/engine"
	"github.com/nadmax/relay/internal/logger"
	"github.com/nadmax/relay/internal/middleware"
	"github.com/nadmax/relay/internal/repository"
	"github.com/nadmax/relay/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rs, err := store.NewRedisStore(cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := rs.Close(); err != nil {
			log.Warn("failed to close redis store", zap.Error(err))
		}
	}()
	rs.SetTelemetryMaxAge(cfg.Redis.TelemetryMaxAge)

	repo, err := repository.NewPostgresHistoryRepository(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn("failed to close postgres repository", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.EnsureSchema {
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	e, err := engine.New(cfg.Engine, engine.Dependencies{
		Telemetry:   rs,
		Permissions: rs,
		Snapshots:   rs,
		Statistics:  rs,
		Active:      rs,
		History:     repo,
		State:       rs,
	}, log.Named("engine"))
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	var forwarder api.Forwarder
	if cfg.DeliveryEnabled() {
		sender := delivery.NewSendGridSender(cfg.Delivery.APIKey)
		forwarder = delivery.NewForwarder(cfg.Delivery, sender, e, log.Named("delivery"))
		log.Info("message forwarding enabled", zap.String("forward_to", cfg.Delivery.ForwardTo))
	}

	go startMetricsCollector(ctx, e, metricsInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.NewAPI(e, rs, forwarder, log.Named("api")))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           middleware.MetricsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("redis", cfg.Redis.Addr),
			zap.String("active_strategy", e.ActiveStrategy().String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	return nil
}
