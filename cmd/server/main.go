package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openwatt/datamesh/internal/api"
	"github.com/openwatt/datamesh/internal/config"
	"github.com/openwatt/datamesh/pkg/adapters"
	"github.com/openwatt/datamesh/pkg/compliance"
	"github.com/openwatt/datamesh/pkg/core"
	"github.com/openwatt/datamesh/pkg/feeds"
	"github.com/openwatt/datamesh/pkg/fusion"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/reliability"
	"github.com/openwatt/datamesh/pkg/resilience"
	"github.com/openwatt/datamesh/pkg/scraper"
	"github.com/openwatt/datamesh/pkg/storage"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		observability.NewStandardLogger("datamesh").Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("datamesh", observability.ParseLogLevel(cfg.Logging.Level))

	var metrics observability.MetricsClient
	if cfg.Metrics.Enabled {
		metrics = observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	} else {
		metrics = observability.NewNoopMetricsClient()
	}
	defer func() { _ = metrics.Close() }()

	var store storage.Store
	if cfg.Redis.Enabled {
		redisStore := storage.NewRedisStore(storage.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			cancel()
			logger.Fatalf("Redis is enabled but unreachable at %s: %v", cfg.Redis.Address, err)
		}
		cancel()
		defer func() { _ = redisStore.Close() }()
		store = redisStore
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("Running with in-memory storage; metrics and incidents will not survive restarts", nil)
	}

	gate := compliance.NewGate(cfg.Compliance, store, logger, metrics)
	robots := compliance.NewRobotsCache(cfg.Robots, nil, logger, metrics)
	manager := core.NewManager(cfg.Manager, core.Deps{
		Registry: adapters.NewRegistry(),
		Limiter:  resilience.NewRateLimiter(logger, metrics),
		Breaker:  resilience.NewCircuitBreaker(cfg.Breaker, logger, metrics),
		Tracker:  reliability.NewTracker(cfg.Reliability, store, logger, metrics),
		Fusion:   fusion.NewEngine(logger, metrics),
		Gate:     gate,
		Poller: feeds.NewPoller(nil, func(streamID string, items []models.FeedItem) {
			logger.Debug("Feed stream delivered items", map[string]interface{}{
				"stream": streamID,
				"count":  len(items),
			})
		}, logger, metrics),
		Runner: scraper.NewRunner(robots, nil, logger, metrics),
		Store:  store,
	}, logger, metrics)

	server := api.NewServer(api.ServerConfig{
		ListenAddress:         cfg.API.ListenAddress,
		ReadTimeout:           cfg.API.ReadTimeout,
		WriteTimeout:          cfg.API.WriteTimeout,
		EnableMetricsEndpoint: cfg.API.EnableMetricsEndpoint,
	}, manager, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.Maintenance.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.Maintenance()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
	logger.Info("Server stopped", nil)
}
