// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package replication

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/tidepool/internal/protocol"
)

// LocalBackend satisfies Backend for single-process deployments: pub/sub is
// inert (there is nobody else to tell) and cluster state is the in-memory
// state this process already owns. It also stands in for Redis in tests of
// the replicated manager.
type LocalBackend struct {
	serverID string

	mu             sync.RWMutex
	members        map[string]map[string]protocol.MemberPayload // appID:channel -> socketID -> member
	subscriptions  map[string]map[string]int64                  // appID -> channel -> count
	connections    map[string]int64                             // appID -> count
	liveness       map[string]time.Time                         // appID:socketID -> last pong
	socketChannels map[string]map[string]struct{}               // appID:socketID -> channel set
	handler        Handler
}

// NewLocalBackend creates a backend with a fresh server id.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		serverID:       uuid.NewString(),
		members:        make(map[string]map[string]protocol.MemberPayload),
		subscriptions:  make(map[string]map[string]int64),
		connections:    make(map[string]int64),
		liveness:       make(map[string]time.Time),
		socketChannels: make(map[string]map[string]struct{}),
	}
}

// ServerID identifies this process.
func (b *LocalBackend) ServerID() string { return b.serverID }

// Publish delivers the envelope to this process's own handler, mirroring
// what a Redis subscriber would receive. The handler's self-echo check
// discards it, which keeps single-process behavior identical to clustered.
func (b *LocalBackend) Publish(_ context.Context, msg *Message) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
	return nil
}

// Subscribe is a no-op.
func (b *LocalBackend) Subscribe(_ context.Context, _, _ string) error { return nil }

// Unsubscribe is a no-op.
func (b *LocalBackend) Unsubscribe(_ context.Context, _, _ string) error { return nil }

// JoinChannel records a presence member.
func (b *LocalBackend) JoinChannel(_ context.Context, appID, channel, socketID string, member *protocol.MemberPayload) error {
	key := appID + ":" + channel
	b.mu.Lock()
	defer b.mu.Unlock()
	roster, ok := b.members[key]
	if !ok {
		roster = make(map[string]protocol.MemberPayload)
		b.members[key] = roster
	}
	roster[socketID] = *member
	return nil
}

// LeaveChannel removes a presence member.
func (b *LocalBackend) LeaveChannel(_ context.Context, appID, channel, socketID string) error {
	key := appID + ":" + channel
	b.mu.Lock()
	defer b.mu.Unlock()
	if roster, ok := b.members[key]; ok {
		delete(roster, socketID)
		if len(roster) == 0 {
			delete(b.members, key)
		}
	}
	return nil
}

// ChannelMembers returns the presence roster.
func (b *LocalBackend) ChannelMembers(_ context.Context, appID, channel string) (map[string]protocol.MemberPayload, error) {
	key := appID + ":" + channel
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]protocol.MemberPayload, len(b.members[key]))
	for id, m := range b.members[key] {
		out[id] = m
	}
	return out, nil
}

// IncrSubscriptions bumps a channel's subscription counter.
func (b *LocalBackend) IncrSubscriptions(_ context.Context, appID, channel string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byChannel, ok := b.subscriptions[appID]
	if !ok {
		byChannel = make(map[string]int64)
		b.subscriptions[appID] = byChannel
	}
	byChannel[channel]++
	return byChannel[channel], nil
}

// DecrSubscriptions drops a channel's subscription counter, removing it at
// zero.
func (b *LocalBackend) DecrSubscriptions(_ context.Context, appID, channel string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byChannel, ok := b.subscriptions[appID]
	if !ok {
		return 0, nil
	}
	byChannel[channel]--
	count := byChannel[channel]
	if count <= 0 {
		count = 0
		delete(byChannel, channel)
		if len(byChannel) == 0 {
			delete(b.subscriptions, appID)
		}
	}
	return count, nil
}

// SubscriptionCounts returns all of an app's channel counters.
func (b *LocalBackend) SubscriptionCounts(_ context.Context, appID string) (map[string]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.subscriptions[appID]))
	for ch, n := range b.subscriptions[appID] {
		out[ch] = n
	}
	return out, nil
}

// SubscriptionCount returns one channel's counter.
func (b *LocalBackend) SubscriptionCount(_ context.Context, appID, channel string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscriptions[appID][channel], nil
}

// AddSocketChannel records a channel in the socket's index.
func (b *LocalBackend) AddSocketChannel(_ context.Context, appID, socketID, channel string) error {
	key := appID + ":" + socketID
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.socketChannels[key]
	if !ok {
		set = make(map[string]struct{})
		b.socketChannels[key] = set
	}
	set[channel] = struct{}{}
	return nil
}

// RemoveSocketChannel drops a channel from the socket's index.
func (b *LocalBackend) RemoveSocketChannel(_ context.Context, appID, socketID, channel string) error {
	key := appID + ":" + socketID
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.socketChannels[key]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(b.socketChannels, key)
		}
	}
	return nil
}

// SocketChannels lists the channels in the socket's index.
func (b *LocalBackend) SocketChannels(_ context.Context, appID, socketID string) ([]string, error) {
	key := appID + ":" + socketID
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.socketChannels[key]))
	for ch := range b.socketChannels[key] {
		out = append(out, ch)
	}
	return out, nil
}

// IncrConnections bumps the app's connection counter.
func (b *LocalBackend) IncrConnections(_ context.Context, appID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[appID]++
	return b.connections[appID], nil
}

// DecrConnections drops the app's connection counter.
func (b *LocalBackend) DecrConnections(_ context.Context, appID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[appID]--
	if b.connections[appID] <= 0 {
		delete(b.connections, appID)
		return 0, nil
	}
	return b.connections[appID], nil
}

// ConnectionCount returns the app's connection counter.
func (b *LocalBackend) ConnectionCount(_ context.Context, appID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connections[appID], nil
}

// AddConnectionToSet records a connection's last-pong time.
func (b *LocalBackend) AddConnectionToSet(_ context.Context, appID, socketID string, lastPong time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveness[appID+":"+socketID] = lastPong
	return nil
}

// RemoveConnectionFromSet drops a connection from the liveness set.
func (b *LocalBackend) RemoveConnectionFromSet(_ context.Context, appID, socketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.liveness, appID+":"+socketID)
	return nil
}

// ConnectionsFromSet returns "appID:socketID" members whose last pong falls
// inside [min, max].
func (b *LocalBackend) ConnectionsFromSet(_ context.Context, min, max time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0)
	for member, t := range b.liveness {
		if !t.Before(min) && !t.After(max) {
			out = append(out, member)
		}
	}
	return out, nil
}

// AcquireSweepLock always succeeds: there is no other process to race.
func (b *LocalBackend) AcquireSweepLock(_ context.Context) (bool, func(), error) {
	return true, func() {}, nil
}

// Listen installs the envelope handler.
func (b *LocalBackend) Listen(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Run blocks until the context is canceled; there is no transport to drive.
func (b *LocalBackend) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }

// SplitSetMember splits an "appID:socketID" liveness member. Socket ids may
// themselves contain dots but never colons.
func SplitSetMember(member string) (appID, socketID string, ok bool) {
	idx := strings.Index(member, ":")
	if idx < 0 {
		return "", "", false
	}
	return member[:idx], member[idx+1:], true
}
