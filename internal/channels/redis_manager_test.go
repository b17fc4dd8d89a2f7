// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/protocol"
	"github.com/tomtom215/tidepool/internal/replication"
)

// clusterFixture is a manager wired to an in-process backend, which
// exercises the full cluster bookkeeping without a Redis server.
func clusterFixture() (*RedisManager, *replication.LocalBackend, apps.Registry) {
	backend := replication.NewLocalBackend()
	registry := apps.NewConfigRegistry([]apps.App{*testApp()})
	return NewRedisManager(backend, registry), backend, registry
}

func TestHandleReplicatedDiscardsOwnEnvelopes(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.Subscribe(ctx, conn, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}
	before := len(conn.Frames())

	// An envelope stamped with this process's own server id must be a
	// self-echo coming back from the topic.
	m.handleReplicated(&replication.Message{
		AppID:    "demo",
		Channel:  "orders",
		ServerID: backend.ServerID(),
		Payload:  []byte(`{"event":"order-created","channel":"orders","data":"{}"}`),
	})
	if got := len(conn.Frames()); got != before {
		t.Errorf("Expected self-echo to be discarded, got %d new frames", got-before)
	}

	m.handleReplicated(&replication.Message{
		AppID:    "demo",
		Channel:  "orders",
		ServerID: "some-other-server",
		Payload:  []byte(`{"event":"order-created","channel":"orders","data":"{}"}`),
	})
	if got := len(conn.Frames()); got != before+1 {
		t.Errorf("Expected foreign envelope delivered once, got %d new frames", got-before)
	}
}

func TestHandleReplicatedHonorsExceptSocketID(t *testing.T) {
	m, _, _ := clusterFixture()
	ctx := context.Background()
	excluded := newTestConn("1.1", testApp())
	other := newTestConn("2.2", testApp())

	for _, conn := range []*testConn{excluded, other} {
		if err := m.Subscribe(ctx, conn, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
			t.Fatalf("Expected subscribe to succeed, got %v", err)
		}
	}
	beforeExcluded, beforeOther := len(excluded.Frames()), len(other.Frames())

	m.handleReplicated(&replication.Message{
		AppID:          "demo",
		Channel:        "orders",
		ServerID:       "some-other-server",
		ExceptSocketID: "1.1",
		Payload:        []byte(`{"event":"e","channel":"orders"}`),
	})

	if len(excluded.Frames()) != beforeExcluded {
		t.Error("Expected excluded socket to receive nothing")
	}
	if len(other.Frames()) != beforeOther+1 {
		t.Error("Expected other socket to receive the frame")
	}
}

func TestSubscriptionCountersStaySymmetric(t *testing.T) {
	m, _, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.Subscribe(ctx, conn, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}
	// Re-subscribing the same socket is acknowledged without growing the
	// counter.
	if err := m.Subscribe(ctx, conn, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
		t.Fatalf("Expected re-subscribe to succeed, got %v", err)
	}

	count, err := m.ChannelSubscriptionCount(ctx, "demo", "orders")
	if err != nil || count != 1 {
		t.Errorf("Expected counter 1 after duplicate subscribe, got %d (%v)", count, err)
	}

	m.Unsubscribe(ctx, conn, "orders")
	count, err = m.ChannelSubscriptionCount(ctx, "demo", "orders")
	if err != nil || count != 0 {
		t.Errorf("Expected counter 0 after unsubscribe, got %d (%v)", count, err)
	}

	// Unsubscribing a socket that never joined must not drive the counter
	// negative.
	m.Unsubscribe(ctx, newTestConn("9.9", testApp()), "orders")
	count, _ = m.ChannelSubscriptionCount(ctx, "demo", "orders")
	if count != 0 {
		t.Errorf("Expected counter to stay 0, got %d", count)
	}

	channels, err := m.Channels(ctx, "demo", "")
	if err != nil {
		t.Fatalf("Expected channel listing, got %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("Expected no occupied channels, got %v", channels)
	}
}

func TestGlobalConnectionAccounting(t *testing.T) {
	m, _, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.AddConnection(ctx, conn); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}
	global, err := m.GlobalConnectionCount(ctx, "demo")
	if err != nil || global != 1 {
		t.Errorf("Expected global count 1, got %d (%v)", global, err)
	}

	if err := m.RemoveConnection(ctx, conn); err != nil {
		t.Fatalf("Expected RemoveConnection to succeed, got %v", err)
	}
	global, err = m.GlobalConnectionCount(ctx, "demo")
	if err != nil || global != 0 {
		t.Errorf("Expected global count 0, got %d (%v)", global, err)
	}
}

func TestPresenceRosterThroughBackend(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.Subscribe(ctx, conn, signedPayload(conn, "presence-room", `{"user_id":"alice"}`)); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}

	roster, err := m.ChannelMembers(ctx, "demo", "presence-room")
	if err != nil {
		t.Fatalf("Expected roster, got %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(roster))
	}
	member := roster["1.1"]
	if member.UserIDString() != "alice" {
		t.Errorf("Expected alice, got %q", member.UserIDString())
	}

	// A roster held only by another process is still queryable.
	if err := backend.JoinChannel(ctx, "demo", "presence-remote", "7.7", &protocol.MemberPayload{UserID: []byte(`"bob"`)}); err != nil {
		t.Fatalf("Expected remote join to succeed, got %v", err)
	}
	remote, err := m.ChannelMembers(ctx, "demo", "presence-remote")
	if err != nil {
		t.Fatalf("Expected remote roster, got %v", err)
	}
	if len(remote) != 1 {
		t.Errorf("Expected 1 remote member, got %d", len(remote))
	}

	if _, err := m.ChannelMembers(ctx, "demo", "presence-nobody"); !errors.Is(err, protocol.ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel for empty roster, got %v", err)
	}

	m.Unsubscribe(ctx, conn, "presence-room")
	if _, err := m.ChannelMembers(ctx, "demo", "presence-room"); !errors.Is(err, protocol.ErrUnknownChannel) {
		t.Errorf("Expected roster gone after last leave, got %v", err)
	}
}

func TestSweepRemovesStaleClusterEntries(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()

	// A local connection whose liveness entry went stale.
	stale := newTestConn("1.1", testApp())
	if err := m.AddConnection(ctx, stale); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}
	if err := m.Subscribe(ctx, stale, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}
	if err := backend.AddConnectionToSet(ctx, "demo", "1.1", time.Now().Add(-StalenessThreshold-time.Minute)); err != nil {
		t.Fatalf("Expected liveness backdate to succeed, got %v", err)
	}

	// A fresh connection that must survive.
	fresh := newTestConn("2.2", testApp())
	if err := m.AddConnection(ctx, fresh); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}

	// An orphan entry for an app no longer configured.
	if err := backend.AddConnectionToSet(ctx, "gone-app", "3.3", time.Now().Add(-StalenessThreshold-time.Minute)); err != nil {
		t.Fatalf("Expected orphan seed to succeed, got %v", err)
	}

	if err := m.RemoveObsoleteConnections(ctx); err != nil {
		t.Fatalf("Expected sweep to succeed, got %v", err)
	}

	if m.Find("demo", "orders") != nil {
		t.Error("Expected stale subscriber's channel collected")
	}
	global, _ := m.GlobalConnectionCount(ctx, "demo")
	if global != 1 {
		t.Errorf("Expected 1 connection after sweep, got %d", global)
	}

	members, err := backend.ConnectionsFromSet(ctx, time.Unix(0, 0), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Expected liveness listing, got %v", err)
	}
	if len(members) != 1 || members[0] != "demo:2.2" {
		t.Errorf("Expected only the fresh entry to remain, got %v", members)
	}
}

func TestConnectionPongedRefreshesLiveness(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.AddConnection(ctx, conn); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}
	if err := backend.AddConnectionToSet(ctx, "demo", "1.1", time.Now().Add(-StalenessThreshold-time.Minute)); err != nil {
		t.Fatalf("Expected liveness backdate to succeed, got %v", err)
	}

	if err := m.ConnectionPonged(ctx, conn); err != nil {
		t.Fatalf("Expected pong refresh to succeed, got %v", err)
	}

	// After the refresh, the sweep finds nothing stale.
	if err := m.RemoveObsoleteConnections(ctx); err != nil {
		t.Fatalf("Expected sweep to succeed, got %v", err)
	}
	global, _ := m.GlobalConnectionCount(ctx, "demo")
	if global != 1 {
		t.Errorf("Expected connection to survive after pong, got count %d", global)
	}
}

func TestBroadcastDeliversLocallyAndPublishes(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()
	conn := newTestConn("1.1", testApp())

	if err := m.Subscribe(ctx, conn, &protocol.SubscribePayload{Channel: "orders"}); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}
	before := len(conn.Frames())

	var published *replication.Message
	backend.Listen(func(msg *replication.Message) { published = msg })

	frame := []byte(`{"event":"order-created","channel":"orders","data":"{}"}`)
	if err := m.Broadcast(ctx, "demo", "orders", frame, ""); err != nil {
		t.Fatalf("Expected broadcast to succeed, got %v", err)
	}

	if len(conn.Frames()) != before+1 {
		t.Error("Expected local delivery")
	}
	if published == nil {
		t.Fatal("Expected envelope published to the cluster")
	}
	if published.ServerID != backend.ServerID() {
		t.Errorf("Expected envelope stamped with own server id, got %q", published.ServerID)
	}
}

func TestSplitSetMember(t *testing.T) {
	tests := []struct {
		member   string
		appID    string
		socketID string
		ok       bool
	}{
		{"demo:1234.5678", "demo", "1234.5678", true},
		{"demo:", "demo", "", true},
		{"malformed", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			appID, socketID, ok := replication.SplitSetMember(tt.member)
			if ok != tt.ok || appID != tt.appID || socketID != tt.socketID {
				t.Errorf("Expected (%q,%q,%v), got (%q,%q,%v)", tt.appID, tt.socketID, tt.ok, appID, socketID, ok)
			}
		})
	}
}

func TestSweepUnwindsDeadPeerChannelState(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()

	// A local presence subscriber that should observe the removal.
	alice := newTestConn("1.1", testApp())
	if err := m.AddConnection(ctx, alice); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}
	if err := m.Subscribe(ctx, alice, signedPayload(alice, "presence-room", `{"user_id":"alice"}`)); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}

	// State a peer process left behind when it died: a presence roster
	// entry, a private subscription, their counters and a stale liveness
	// entry for socket 9.9.
	bob := &protocol.MemberPayload{UserID: []byte(`"bob"`)}
	if err := backend.JoinChannel(ctx, "demo", "presence-room", "9.9", bob); err != nil {
		t.Fatalf("Expected roster seed to succeed, got %v", err)
	}
	for _, name := range []string{"presence-room", "private-orders"} {
		if _, err := backend.IncrSubscriptions(ctx, "demo", name); err != nil {
			t.Fatalf("Expected counter seed to succeed, got %v", err)
		}
		if err := backend.AddSocketChannel(ctx, "demo", "9.9", name); err != nil {
			t.Fatalf("Expected index seed to succeed, got %v", err)
		}
	}
	if _, err := backend.IncrConnections(ctx, "demo"); err != nil {
		t.Fatalf("Expected connection seed to succeed, got %v", err)
	}
	if err := backend.AddConnectionToSet(ctx, "demo", "9.9", time.Now().Add(-StalenessThreshold-time.Minute)); err != nil {
		t.Fatalf("Expected liveness seed to succeed, got %v", err)
	}

	if err := m.RemoveObsoleteConnections(ctx); err != nil {
		t.Fatalf("Expected sweep to succeed, got %v", err)
	}

	roster, err := backend.ChannelMembers(ctx, "demo", "presence-room")
	if err != nil {
		t.Fatalf("Expected roster read, got %v", err)
	}
	if _, ok := roster["9.9"]; ok {
		t.Errorf("Expected dead socket removed from presence roster, still present: %v", roster)
	}

	counts, err := m.Channels(ctx, "demo", "")
	if err != nil {
		t.Fatalf("Expected channel listing, got %v", err)
	}
	if len(counts) != 1 || counts["presence-room"] != 1 {
		t.Errorf("Expected only the live subscription to remain, got %v", counts)
	}

	indexed, err := backend.SocketChannels(ctx, "demo", "9.9")
	if err != nil {
		t.Fatalf("Expected index read, got %v", err)
	}
	if len(indexed) != 0 {
		t.Errorf("Expected dead socket's channel index cleared, got %v", indexed)
	}

	global, _ := m.GlobalConnectionCount(ctx, "demo")
	if global != 1 {
		t.Errorf("Expected 1 connection after sweep, got %d", global)
	}

	if got := alice.countEvents(t, protocol.EventMemberRemoved); got != 1 {
		t.Errorf("Expected 1 member_removed for the dead peer, got %d", got)
	}
}

func TestSweepKeepsSharedUserPresenceSilent(t *testing.T) {
	m, backend, _ := clusterFixture()
	ctx := context.Background()

	// Bob is present locally and through a dead peer socket; sweeping the
	// peer socket must not announce member_removed.
	local := newTestConn("1.1", testApp())
	if err := m.AddConnection(ctx, local); err != nil {
		t.Fatalf("Expected AddConnection to succeed, got %v", err)
	}
	if err := m.Subscribe(ctx, local, signedPayload(local, "presence-room", `{"user_id":"bob"}`)); err != nil {
		t.Fatalf("Expected subscribe to succeed, got %v", err)
	}

	bob := &protocol.MemberPayload{UserID: []byte(`"bob"`)}
	if err := backend.JoinChannel(ctx, "demo", "presence-room", "9.9", bob); err != nil {
		t.Fatalf("Expected roster seed to succeed, got %v", err)
	}
	if _, err := backend.IncrSubscriptions(ctx, "demo", "presence-room"); err != nil {
		t.Fatalf("Expected counter seed to succeed, got %v", err)
	}
	if err := backend.AddSocketChannel(ctx, "demo", "9.9", "presence-room"); err != nil {
		t.Fatalf("Expected index seed to succeed, got %v", err)
	}
	if err := backend.AddConnectionToSet(ctx, "demo", "9.9", time.Now().Add(-StalenessThreshold-time.Minute)); err != nil {
		t.Fatalf("Expected liveness seed to succeed, got %v", err)
	}

	if err := m.RemoveObsoleteConnections(ctx); err != nil {
		t.Fatalf("Expected sweep to succeed, got %v", err)
	}

	roster, err := backend.ChannelMembers(ctx, "demo", "presence-room")
	if err != nil {
		t.Fatalf("Expected roster read, got %v", err)
	}
	if _, ok := roster["9.9"]; ok {
		t.Error("Expected dead socket removed from roster")
	}
	if _, ok := roster["1.1"]; !ok {
		t.Error("Expected live socket kept in roster")
	}
	if got := local.countEvents(t, protocol.EventMemberRemoved); got != 0 {
		t.Errorf("Expected no member_removed while the user stays present, got %d", got)
	}
}
