// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/channels"
	"github.com/tomtom215/tidepool/internal/stats"
)

// Config holds the HTTP surface's tunables.
type Config struct {
	// MaxRequestSize caps trigger-API request bodies in bytes.
	MaxRequestSize int64

	// MaxEventPayload caps a single event's data field in bytes.
	MaxEventPayload int

	// RateLimit is requests per window per client IP; zero disables.
	RateLimit       int
	RateLimitWindow time.Duration

	// AllowedOrigins configures CORS for the HTTP API.
	AllowedOrigins []string
}

// DefaultConfig returns the API defaults: 100 KB requests, 10 KB event
// payloads, 300 requests/min.
func DefaultConfig() Config {
	return Config{
		MaxRequestSize:  100 * 1024,
		MaxEventPayload: 10 * 1024,
		RateLimit:       300,
		RateLimitWindow: time.Minute,
		AllowedOrigins:  []string{"*"},
	}
}

// Router serves the trigger/query API, the WebSocket endpoint and metrics.
type Router struct {
	registry  apps.Registry
	manager   channels.Manager
	collector stats.Collector
	ws        http.Handler
	cfg       Config
}

// NewRouter wires the HTTP surface. ws handles GET /app/{appKey}.
func NewRouter(registry apps.Registry, manager channels.Manager, collector stats.Collector, ws http.Handler, cfg Config) *Router {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if cfg.MaxEventPayload <= 0 {
		cfg.MaxEventPayload = DefaultConfig().MaxEventPayload
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Router{
		registry:  registry,
		manager:   manager,
		collector: collector,
		ws:        ws,
		cfg:       cfg,
	}
}

// Setup configures all routes.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// WebSocket endpoint. Rate limiting applies to handshakes only; the
	// upgraded connection is outside HTTP middleware.
	r.Get("/app/{appKey}", rt.ws.ServeHTTP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/apps/{appId}", func(r chi.Router) {
		if rt.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(rt.cfg.RateLimit, rt.cfg.RateLimitWindow))
		}
		r.Use(recordMetrics)
		r.Use(rt.authenticate)

		r.Post("/events", rt.TriggerEvent)
		r.Post("/batch_events", rt.TriggerBatchEvents)
		r.Get("/channels", rt.Channels)
		r.Get("/channels/{channelName}", rt.Channel)
		r.Get("/channels/{channelName}/users", rt.ChannelUsers)
	})

	return r
}
