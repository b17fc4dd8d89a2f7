// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"io"
	"testing"

	"github.com/tomtom215/tidepool/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func TestMemoryCollectorTracksPeak(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Connection(ctx, "demo")
	}
	c.Disconnection(ctx, "demo")
	c.WebSocketMessage(ctx, "demo")
	c.WebSocketMessage(ctx, "demo")
	c.APIMessage(ctx, "demo")

	store := NewMemoryStore()
	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	snapshots := store.Snapshots()
	if len(snapshots) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(snapshots))
	}
	s := snapshots[0]
	if s.AppID != "demo" {
		t.Errorf("Expected app demo, got %q", s.AppID)
	}
	if s.PeakConnections != 3 {
		t.Errorf("Expected peak 3, got %d", s.PeakConnections)
	}
	if s.CurrentConnections != 2 {
		t.Errorf("Expected current 2, got %d", s.CurrentConnections)
	}
	if s.WebSocketMessages != 2 || s.APIMessages != 1 {
		t.Errorf("Expected ws=2 api=1, got ws=%d api=%d", s.WebSocketMessages, s.APIMessages)
	}
}

func TestMemoryCollectorSaveOpensNewWindow(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		c.Connection(ctx, "demo")
	}
	c.Disconnection(ctx, "demo")
	c.WebSocketMessage(ctx, "demo")

	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}
	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	snapshots := store.Snapshots()
	if len(snapshots) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snapshots))
	}
	second := snapshots[1]
	// The new window's peak restarts at the carried-over current count and
	// the message counters reset.
	if second.PeakConnections != 2 {
		t.Errorf("Expected peak reset to current 2, got %d", second.PeakConnections)
	}
	if second.WebSocketMessages != 0 {
		t.Errorf("Expected message counters reset, got %d", second.WebSocketMessages)
	}
}

func TestMemoryCollectorPurgesIdleApps(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()
	store := NewMemoryStore()

	c.Connection(ctx, "busy")
	c.Connection(ctx, "idle")
	c.Disconnection(ctx, "idle")

	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	snapshots := store.Snapshots()
	if len(snapshots) != 1 || snapshots[0].AppID != "busy" {
		t.Errorf("Expected only the busy app flushed, got %+v", snapshots)
	}

	// A purged app starts a fresh record on its next connection.
	c.Connection(ctx, "idle")
	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}
	snapshots = store.Snapshots()
	last := snapshots[len(snapshots)-1]
	if last.AppID != "busy" && last.AppID != "idle" {
		t.Errorf("Unexpected snapshot %+v", last)
	}
}

func TestMemoryCollectorSortsSnapshots(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()
	store := NewMemoryStore()

	for _, app := range []string{"zulu", "alpha", "mike"} {
		c.Connection(ctx, app)
	}
	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}

	snapshots := store.Snapshots()
	want := []string{"alpha", "mike", "zulu"}
	for i, appID := range want {
		if snapshots[i].AppID != appID {
			t.Errorf("Expected snapshot %d to be %q, got %q", i, appID, snapshots[i].AppID)
		}
	}
}

func TestNopCollector(t *testing.T) {
	c := NopCollector{}
	ctx := context.Background()
	store := NewMemoryStore()

	c.Connection(ctx, "demo")
	c.WebSocketMessage(ctx, "demo")
	if err := c.Save(ctx, store); err != nil {
		t.Fatalf("Expected nop save to succeed, got %v", err)
	}
	if len(store.Snapshots()) != 0 {
		t.Error("Expected nothing persisted by the nop collector")
	}
}
