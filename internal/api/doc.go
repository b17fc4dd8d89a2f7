// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

/*
Package api provides the HTTP surface of Tidepool.

The router exposes three groups of routes:

 1. Trigger API (/apps/{appId}/events, /apps/{appId}/batch_events):
    HMAC-signed event publishing into channels, with per-event payload
    caps and optional socket exclusion.

 2. Query API (/apps/{appId}/channels, /apps/{appId}/channels/{channelName},
    /apps/{appId}/channels/{channelName}/users): occupancy listings,
    subscription counts, and presence rosters.

 3. Operational routes: the WebSocket endpoint (/app/{appKey}), Prometheus
    metrics (/metrics), and a health check (/health).

Every signed route passes through authMiddleware, which reconstructs the
canonical request string (method, path, sorted query with auth_signature
and body_md5 excluded, body digest recomputed) and verifies the
HMAC-SHA256 signature against the app secret from the registry. Request
bodies are capped by MaxRequestSize before any parsing happens.

Key Components:

  - Router: chi route configuration and middleware stack (request id,
    real IP, CORS, rate limiting, metrics timing)
  - handlers.go: trigger and query endpoint handlers
  - middleware.go: signature verification, body limits, latency recording
  - helpers.go: JSON response and typed error helpers

Error responses are JSON objects with a single "error" message; status
codes follow the protocol: 400 for malformed requests, 401 for bad
signatures, 404 for unknown apps or unoccupied channels, 413 for
oversized bodies.
*/
package api
