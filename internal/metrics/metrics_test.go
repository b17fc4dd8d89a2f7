// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionLifecycleTracking(t *testing.T) {
	app := "metrics-test-conn"

	RecordConnection(app)
	RecordConnection(app)
	RecordDisconnection(app)

	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues(app)); got != 1 {
		t.Errorf("Expected 1 current connection, got %v", got)
	}
	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues(app)); got != 2 {
		t.Errorf("Expected 2 total connections, got %v", got)
	}
}

func TestRecordRejection(t *testing.T) {
	app := "metrics-test-reject"

	RecordRejection(app, "capacity")
	RecordRejection(app, "capacity")
	RecordRejection(app, "origin")

	if got := testutil.ToFloat64(ConnectionsRejected.WithLabelValues(app, "capacity")); got != 2 {
		t.Errorf("Expected 2 capacity rejections, got %v", got)
	}
	if got := testutil.ToFloat64(ConnectionsRejected.WithLabelValues(app, "origin")); got != 1 {
		t.Errorf("Expected 1 origin rejection, got %v", got)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	RecordAPIRequest("POST", "/apps/{appId}/events", 200, 5*time.Millisecond)
	RecordAPIRequest("POST", "/apps/{appId}/events", 200, 7*time.Millisecond)

	count := testutil.CollectAndCount(APIRequestDuration)
	if count == 0 {
		t.Error("Expected histogram series after observations")
	}
}

func TestReplicationCounters(t *testing.T) {
	before := testutil.ToFloat64(ReplicationPublished)
	ReplicationPublished.Inc()
	if got := testutil.ToFloat64(ReplicationPublished); got != before+1 {
		t.Errorf("Expected published counter %v, got %v", before+1, got)
	}
}
