// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/auth"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
)

type contextKey int

const (
	appContextKey contextKey = iota
	bodyContextKey
)

// AppFromContext returns the app resolved by the authenticate middleware.
func AppFromContext(ctx context.Context) *apps.App {
	app, _ := ctx.Value(appContextKey).(*apps.App)
	return app
}

// bodyFromContext returns the request body captured during signature
// verification, so handlers do not re-read the stream.
func bodyFromContext(ctx context.Context) []byte {
	body, _ := ctx.Value(bodyContextKey).([]byte)
	return body
}

// authenticate resolves the app from the appId path parameter and verifies
// the HMAC query signature over method, path, sorted query and body MD5.
// The body is read here (bounded by maxRequestSize) because it is part of
// the signed message.
func (rt *Router) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := chi.URLParam(r, "appId")
		app, err := rt.registry.FindByID(r.Context(), appID)
		if err != nil || app == nil {
			respondError(w, http.StatusNotFound, "unknown app")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxRequestSize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			respondError(w, http.StatusBadRequest, "unreadable request body")
			return
		}

		if err := auth.VerifyAPIRequest(app.Secret, r.Method, r.URL.Path, r.URL.Query(), body); err != nil {
			logging.Info().
				Str("app_id", appID).
				Str("path", r.URL.Path).
				Msg("api signature rejected")
			respondError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		ctx := context.WithValue(r.Context(), appContextKey, app)
		ctx = context.WithValue(ctx, bodyContextKey, body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// recordMetrics observes request latency per chi route pattern.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		metrics.RecordAPIRequest(r.Method, pattern, sr.status, time.Since(start))
	})
}
