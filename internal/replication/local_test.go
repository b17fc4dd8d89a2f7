// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package replication

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/protocol"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func TestLocalBackendPublishLoopsBack(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	var received *Message
	b.Listen(func(msg *Message) { received = msg })

	msg := &Message{
		AppID:    "demo",
		Channel:  "orders",
		ServerID: b.ServerID(),
		Payload:  []byte(`{"event":"e"}`),
	}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("Expected publish to succeed, got %v", err)
	}
	if received == nil {
		t.Fatal("Expected the envelope to loop back to the local handler")
	}
	if received.ServerID != b.ServerID() {
		t.Errorf("Expected own server id %q, got %q", b.ServerID(), received.ServerID)
	}
}

func TestLocalBackendSubscriptionCounters(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.IncrSubscriptions(ctx, "demo", "orders"); err != nil {
			t.Fatalf("Expected increment to succeed, got %v", err)
		}
	}
	count, err := b.SubscriptionCount(ctx, "demo", "orders")
	if err != nil || count != 3 {
		t.Errorf("Expected counter 3, got %d (%v)", count, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.DecrSubscriptions(ctx, "demo", "orders"); err != nil {
			t.Fatalf("Expected decrement to succeed, got %v", err)
		}
	}

	// The channel key disappears at zero instead of lingering.
	counts, err := b.SubscriptionCounts(ctx, "demo")
	if err != nil {
		t.Fatalf("Expected counts, got %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected empty counter map at zero, got %v", counts)
	}

	// Extra decrements clamp at zero.
	count, err = b.DecrSubscriptions(ctx, "demo", "orders")
	if err != nil || count != 0 {
		t.Errorf("Expected clamp at 0, got %d (%v)", count, err)
	}
}

func TestLocalBackendConnectionCounters(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	if _, err := b.IncrConnections(ctx, "demo"); err != nil {
		t.Fatalf("Expected increment to succeed, got %v", err)
	}
	count, err := b.ConnectionCount(ctx, "demo")
	if err != nil || count != 1 {
		t.Errorf("Expected count 1, got %d (%v)", count, err)
	}

	if _, err := b.DecrConnections(ctx, "demo"); err != nil {
		t.Fatalf("Expected decrement to succeed, got %v", err)
	}
	count, err = b.ConnectionCount(ctx, "demo")
	if err != nil || count != 0 {
		t.Errorf("Expected count 0, got %d (%v)", count, err)
	}
}

func TestLocalBackendPresenceRoster(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	member := &protocol.MemberPayload{UserID: []byte(`"alice"`)}
	if err := b.JoinChannel(ctx, "demo", "presence-room", "1.1", member); err != nil {
		t.Fatalf("Expected join to succeed, got %v", err)
	}

	roster, err := b.ChannelMembers(ctx, "demo", "presence-room")
	if err != nil {
		t.Fatalf("Expected roster, got %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(roster))
	}

	if err := b.LeaveChannel(ctx, "demo", "presence-room", "1.1"); err != nil {
		t.Fatalf("Expected leave to succeed, got %v", err)
	}
	roster, err = b.ChannelMembers(ctx, "demo", "presence-room")
	if err != nil {
		t.Fatalf("Expected roster, got %v", err)
	}
	if len(roster) != 0 {
		t.Errorf("Expected empty roster, got %d members", len(roster))
	}
}

func TestLocalBackendLivenessRange(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	now := time.Now()

	if err := b.AddConnectionToSet(ctx, "demo", "1.1", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Expected add to succeed, got %v", err)
	}
	if err := b.AddConnectionToSet(ctx, "demo", "2.2", now); err != nil {
		t.Fatalf("Expected add to succeed, got %v", err)
	}

	stale, err := b.ConnectionsFromSet(ctx, time.Unix(0, 0), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("Expected range query to succeed, got %v", err)
	}
	if len(stale) != 1 || stale[0] != "demo:1.1" {
		t.Errorf("Expected only the stale member, got %v", stale)
	}

	// Re-adding overwrites the score, pulling the member out of the stale
	// window.
	if err := b.AddConnectionToSet(ctx, "demo", "1.1", now); err != nil {
		t.Fatalf("Expected refresh to succeed, got %v", err)
	}
	stale, err = b.ConnectionsFromSet(ctx, time.Unix(0, 0), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("Expected range query to succeed, got %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("Expected no stale members after refresh, got %v", stale)
	}
}

func TestLocalBackendSweepLock(t *testing.T) {
	b := NewLocalBackend()
	ok, release, err := b.AcquireSweepLock(context.Background())
	if err != nil {
		t.Fatalf("Expected lock acquisition to succeed, got %v", err)
	}
	if !ok {
		t.Fatal("Expected the single-process lock to always be granted")
	}
	release()
}

func TestLocalBackendRunStopsOnContext(t *testing.T) {
	b := NewLocalBackend()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancellation")
	}
}
