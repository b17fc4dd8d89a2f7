// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle
	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidepool_connections_current",
			Help: "Currently open WebSocket connections per app",
		},
		[]string{"app"},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidepool_connections_total",
			Help: "Total accepted WebSocket connections per app",
		},
		[]string{"app"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidepool_connections_rejected_total",
			Help: "Rejected handshakes per app and reason",
		},
		[]string{"app", "reason"}, // "unknown_key", "origin", "capacity", "declining"
	)

	// Message throughput
	MessagesWebSocket = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidepool_messages_ws_total",
			Help: "Inbound WebSocket protocol frames per app",
		},
		[]string{"app"},
	)

	MessagesAPI = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidepool_messages_api_total",
			Help: "Events accepted through the trigger API per app",
		},
		[]string{"app"},
	)

	// Channel state
	ChannelsOccupied = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidepool_channels_occupied",
			Help: "Locally occupied channels per app",
		},
		[]string{"app"},
	)

	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidepool_subscriptions_total",
			Help: "Channel subscriptions per app and channel kind",
		},
		[]string{"app", "kind"},
	)

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidepool_api_request_duration_seconds",
			Help:    "Trigger/query API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// Replication
	ReplicationPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidepool_replication_published_total",
			Help: "Envelopes published to the replication backend",
		},
	)

	ReplicationReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidepool_replication_received_total",
			Help: "Envelopes received from other processes",
		},
	)

	ObsoleteConnectionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidepool_obsolete_connections_swept_total",
			Help: "Connections removed by the liveness sweep",
		},
	)
)

// RecordAPIRequest observes one trigger/query API request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, endpoint, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordConnection tracks a completed handshake.
func RecordConnection(appID string) {
	ConnectionsTotal.WithLabelValues(appID).Inc()
	ConnectionsCurrent.WithLabelValues(appID).Inc()
}

// RecordDisconnection tracks a closed connection.
func RecordDisconnection(appID string) {
	ConnectionsCurrent.WithLabelValues(appID).Dec()
}

// RecordRejection tracks a refused handshake.
func RecordRejection(appID, reason string) {
	ConnectionsRejected.WithLabelValues(appID, reason).Inc()
}
