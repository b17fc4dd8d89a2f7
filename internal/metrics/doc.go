// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

/*
Package metrics provides Prometheus instrumentation for the server.

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:6001/metrics

# Available Metrics

Connection lifecycle:
  - tidepool_connections_current: open WebSocket connections (gauge)
    Labels: app
  - tidepool_connections_total: accepted handshakes (counter)
    Labels: app
  - tidepool_connections_rejected_total: refused handshakes (counter)
    Labels: app, reason (unknown_key, origin, capacity, declining)

Message throughput:
  - tidepool_messages_ws_total: inbound protocol frames (counter)
    Labels: app
  - tidepool_messages_api_total: trigger-API events (counter)
    Labels: app

Channel state:
  - tidepool_channels_occupied: locally occupied channels (gauge)
    Labels: app
  - tidepool_subscriptions_total: subscriptions by channel kind (counter)
    Labels: app, kind

HTTP API:
  - tidepool_api_request_duration_seconds: request latency (histogram)
    Labels: method, endpoint, status

Replication:
  - tidepool_replication_published_total: envelopes published (counter)
  - tidepool_replication_received_total: envelopes from peers (counter)
  - tidepool_obsolete_connections_swept_total: sweep removals (counter)

All recording functions are safe for concurrent use. App ids are the only
per-tenant label; channel names are never used as labels to keep
cardinality bounded.
*/
package metrics
