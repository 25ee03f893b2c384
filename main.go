package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chorus/script-presence/config"
	"chorus/script-presence/handlers"
	"chorus/script-presence/metrics"
	"chorus/script-presence/services"
	"chorus/script-presence/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	// Connect to the presence store
	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open presence store", "driver", cfg.StoreDriver, "error", err)
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Fatal("Presence store unreachable", "driver", cfg.StoreDriver, "error", err)
	}
	pingCancel()

	// Initialize services
	presenceService := services.NewPresenceService(store, cfg, logger)

	deps := handlers.RouterDeps{
		Config:  cfg,
		Logger:  logger,
		Service: presenceService,
		Store:   store,
	}

	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		m := metrics.New(registry)
		presenceService.SetMetrics(m)

		deps.Metrics = m
		deps.Gatherer = registry
	}

	router := handlers.SetupRouter(deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Script Presence service",
			"port", cfg.Port,
			"store", cfg.StoreDriver,
			"liveness_window", cfg.LivenessWindow,
			"fleet_discovery", cfg.FleetDiscovery,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}

func openStore(cfg *config.Config) (services.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverUpstash:
		return services.NewUpstashStore(cfg.UpstashURL, cfg.UpstashToken, &http.Client{Timeout: cfg.StoreTimeout}), nil
	default:
		client, err := services.NewRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return services.NewRedisStore(client), nil
	}
}
