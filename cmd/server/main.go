// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/tidepool/internal/api"
	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/channels"
	"github.com/tomtom215/tidepool/internal/config"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/replication"
	"github.com/tomtom215/tidepool/internal/server"
	"github.com/tomtom215/tidepool/internal/stats"
	"github.com/tomtom215/tidepool/internal/supervisor"
	"github.com/tomtom215/tidepool/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize zerolog with configuration
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("driver", cfg.Replication.Driver).
		Int("apps", len(cfg.Apps)).
		Bool("stats", cfg.Stats.Enabled).
		Msg("Starting Tidepool with supervisor tree")

	registry := apps.NewConfigRegistry(registeredApps(cfg))

	// Replication backend: in-process for single-node deployments, Redis
	// pub/sub for clusters.
	var backend replication.Backend
	if cfg.Replication.Driver == "redis" {
		rb, err := replication.NewRedisBackend(replication.RedisConfig{
			Addr:         cfg.Replication.Redis.Addr,
			Password:     cfg.Replication.Redis.Password,
			DB:           cfg.Replication.Redis.DB,
			PoolSize:     cfg.Replication.Redis.PoolSize,
			MinIdleConns: cfg.Replication.Redis.MinIdleConns,
			MaxRetries:   cfg.Replication.Redis.MaxRetries,
			KeyPrefix:    cfg.Replication.Redis.KeyPrefix,
		})
		if err != nil {
			logging.Fatal().Err(err).Str("addr", cfg.Replication.Redis.Addr).Msg("Failed to connect to Redis")
		}
		backend = rb
		logging.Info().Str("addr", cfg.Replication.Redis.Addr).Str("server_id", rb.ServerID()).Msg("Redis replication backend ready")
	} else {
		backend = replication.NewLocalBackend()
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing replication backend")
		}
	}()

	manager := channels.NewRedisManager(backend, registry)

	// Statistics collector. The Redis collector shares the replication
	// backend's connection pool so cluster peaks stay consistent.
	var collector stats.Collector = stats.NopCollector{}
	if cfg.Stats.Enabled {
		if rb, ok := backend.(*replication.RedisBackend); ok {
			collector = stats.NewRedisCollector(rb.Client(), cfg.Replication.Redis.KeyPrefix)
		} else {
			collector = stats.NewMemoryCollector()
		}
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create structured logger for supervisor using our slog adapter
	// This bridges zerolog to slog for sutureslog compatibility
	slogLogger := logging.NewSlogLogger()

	tree := supervisor.NewTree(slogLogger, supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})

	hub := server.NewHub()
	wsHandler := server.NewHandler(registry, manager, hub, collector, cfg.Server.ActivityTimeout)

	router := api.NewRouter(registry, manager, collector, wsHandler, api.Config{
		MaxRequestSize:  cfg.API.MaxRequestSize,
		MaxEventPayload: cfg.API.MaxEventPayload,
		RateLimit:       cfg.API.RateLimit,
		RateLimitWindow: cfg.API.RateLimitWindow,
		AllowedOrigins:  cfg.API.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// === ADD SERVICES TO SUPERVISOR TREE ===

	// Messaging layer services
	tree.AddMessagingService(hub)
	if cfg.Replication.Driver == "redis" {
		tree.AddMessagingService(services.NewReplicationService(backend))
		logging.Info().Msg("Replication subscriber added to supervisor tree")
	}
	tree.AddMessagingService(services.NewSweeperService(manager, cfg.Server.SweepInterval))
	if cfg.Stats.Enabled {
		tree.AddMessagingService(stats.NewFlusher(collector, stats.LogStore{}, cfg.Stats.Interval))
		logging.Info().Dur("interval", cfg.Stats.Interval).Msg("Stats flusher added to supervisor tree")
	}

	// API layer services
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	// === START SUPERVISOR TREE ===

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		// Stop admitting sockets so the drain only has to wait on
		// connections that already exist.
		manager.DeclineNewConnections()
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	// Wait for supervisor to finish (either from signal or error)
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// registeredApps converts configured credentials into registry entries. A
// non-positive capacity means unlimited.
func registeredApps(cfg *config.Config) []apps.App {
	out := make([]apps.App, 0, len(cfg.Apps))
	for _, a := range cfg.Apps {
		app := apps.App{
			ID:                   a.ID,
			Key:                  a.Key,
			Secret:               a.Secret,
			Name:                 a.Name,
			EnableClientMessages: a.EnableClientMessages,
			EnableStatistics:     a.EnableStatistics,
			AllowedOrigins:       a.AllowedOrigins,
		}
		if a.Capacity > 0 {
			capacity := a.Capacity
			app.Capacity = &capacity
		}
		out = append(out, app)
	}
	return out
}
