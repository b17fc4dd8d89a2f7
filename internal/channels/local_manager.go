// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
	"github.com/tomtom215/tidepool/internal/protocol"
)

// StalenessThreshold is how long a connection may go without ponging before
// the sweep forcibly unsubscribes it.
const StalenessThreshold = 2 * time.Minute

// LocalManager is the single-process Manager: all state lives in memory and
// global queries resolve to local state. It is also the in-process half of
// RedisManager, which embeds it.
type LocalManager struct {
	mu sync.RWMutex
	// channels maps appID -> channelName -> live channel.
	channels map[string]map[string]Channel
	// connections maps appID -> socketID -> connection, for counts and
	// the liveness sweep.
	connections map[string]map[string]Connection

	declining atomic.Bool

	// deps are injected into every channel this manager creates. Zero for
	// purely local deployments.
	deps Deps
}

// NewLocalManager creates an in-memory channel manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{
		channels:    make(map[string]map[string]Channel),
		connections: make(map[string]map[string]Connection),
	}
}

// Find returns the local channel or nil.
func (m *LocalManager) Find(appID, name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[appID][name]
}

// findOrCreate returns the channel, creating the kind-matched variant on
// first use.
func (m *LocalManager) findOrCreate(conn Connection, name string) Channel {
	appID := conn.App().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.channels[appID]
	if !ok {
		byName = make(map[string]Channel)
		m.channels[appID] = byName
	}
	ch, ok := byName[name]
	if !ok {
		ch = New(conn.App(), name, m.deps)
		byName[name] = ch
		metrics.ChannelsOccupied.WithLabelValues(appID).Inc()
		logging.Debug().
			Str("app_id", appID).
			Str("channel", name).
			Str("kind", ch.Kind().String()).
			Msg("channel created")
	}
	return ch
}

// Subscribe routes the frame to its channel.
func (m *LocalManager) Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error {
	ch := m.findOrCreate(conn, payload.Channel)
	if err := ch.Subscribe(ctx, conn, payload); err != nil {
		m.collectIfEmpty(ctx, conn.App().ID, ch)
		return err
	}
	return nil
}

// Unsubscribe removes the connection from one channel.
func (m *LocalManager) Unsubscribe(ctx context.Context, conn Connection, channelName string) {
	ch := m.Find(conn.App().ID, channelName)
	if ch == nil {
		return
	}
	ch.Unsubscribe(ctx, conn)
	m.collectIfEmpty(ctx, conn.App().ID, ch)
}

// UnsubscribeFromAllChannels drops the connection from every channel it
// joined. No-op for connections that never completed a handshake.
func (m *LocalManager) UnsubscribeFromAllChannels(ctx context.Context, conn Connection) {
	if conn.App() == nil {
		return
	}
	appID := conn.App().ID

	m.mu.RLock()
	joined := make([]Channel, 0, 4)
	for _, ch := range m.channels[appID] {
		if ch.HasConnection(conn.ID()) {
			joined = append(joined, ch)
		}
	}
	m.mu.RUnlock()

	for _, ch := range joined {
		ch.Unsubscribe(ctx, conn)
		m.collectIfEmpty(ctx, appID, ch)
	}
}

// collectIfEmpty garbage-collects a channel once its last local subscriber
// has left. Channels are never kept around empty.
func (m *LocalManager) collectIfEmpty(_ context.Context, appID string, ch Channel) {
	if !ch.IsEmpty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.channels[appID]
	// Re-check under the write lock; a subscriber may have raced in.
	if existing, ok := byName[ch.Name()]; ok && existing == ch && ch.IsEmpty() {
		delete(byName, ch.Name())
		if len(byName) == 0 {
			delete(m.channels, appID)
		}
		metrics.ChannelsOccupied.WithLabelValues(appID).Dec()
		logging.Debug().Str("app_id", appID).Str("channel", ch.Name()).Msg("channel collected")
	}
}

// AddConnection registers a handshaken connection for accounting.
func (m *LocalManager) AddConnection(_ context.Context, conn Connection) error {
	appID := conn.App().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.connections[appID]
	if !ok {
		byID = make(map[string]Connection)
		m.connections[appID] = byID
	}
	byID[conn.ID()] = conn
	return nil
}

// RemoveConnection deregisters a connection.
func (m *LocalManager) RemoveConnection(_ context.Context, conn Connection) error {
	if conn.App() == nil {
		return nil
	}
	appID := conn.App().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.connections[appID]; ok {
		delete(byID, conn.ID())
		if len(byID) == 0 {
			delete(m.connections, appID)
		}
	}
	return nil
}

// ConnectionPonged is a no-op locally; the connection itself tracks its
// last-pong timestamp.
func (m *LocalManager) ConnectionPonged(_ context.Context, _ Connection) error {
	return nil
}

// LocalConnectionCount counts connections attached to this process.
func (m *LocalManager) LocalConnectionCount(appID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[appID])
}

// GlobalConnectionCount treats global as local.
func (m *LocalManager) GlobalConnectionCount(_ context.Context, appID string) (int64, error) {
	return int64(m.LocalConnectionCount(appID)), nil
}

// Channels lists locally occupied channels with their subscriber counts.
func (m *LocalManager) Channels(_ context.Context, appID, prefix string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for name, ch := range m.channels[appID] {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		out[name] = int64(ch.SubscriberCount())
	}
	return out, nil
}

// ChannelSubscriptionCount counts local subscriptions on one channel.
func (m *LocalManager) ChannelSubscriptionCount(_ context.Context, appID, name string) (int64, error) {
	ch := m.Find(appID, name)
	if ch == nil {
		return 0, nil
	}
	return int64(ch.SubscriberCount()), nil
}

// ChannelMembers returns the local presence roster.
func (m *LocalManager) ChannelMembers(ctx context.Context, appID, name string) (map[string]protocol.MemberPayload, error) {
	ch := m.Find(appID, name)
	if ch == nil {
		return nil, protocol.ErrUnknownChannel
	}
	presence, ok := ch.(*PresenceChannel)
	if !ok {
		return nil, protocol.ErrUnknownChannel
	}
	return presence.Members(ctx)
}

// Broadcast delivers to local subscribers; there is no cluster to forward
// to.
func (m *LocalManager) Broadcast(_ context.Context, appID, channelName string, payload []byte, exceptSocketID string) error {
	if ch := m.Find(appID, channelName); ch != nil {
		ch.BroadcastLocal(payload, exceptSocketID)
	}
	return nil
}

// BroadcastAcrossServers is a no-op: there are no other servers.
func (m *LocalManager) BroadcastAcrossServers(_ context.Context, _, _, _ string, _ []byte) error {
	return nil
}

// AcceptsNewConnections reports whether the admission switch is open.
func (m *LocalManager) AcceptsNewConnections() bool {
	return !m.declining.Load()
}

// DeclineNewConnections flips the admission switch for graceful shutdown.
func (m *LocalManager) DeclineNewConnections() {
	m.declining.Store(true)
}

// RemoveObsoleteConnections force-unsubscribes connections that have not
// ponged within the staleness threshold.
func (m *LocalManager) RemoveObsoleteConnections(ctx context.Context) error {
	cutoff := time.Now().Add(-StalenessThreshold)

	m.mu.RLock()
	stale := make([]Connection, 0)
	for _, byID := range m.connections {
		for _, conn := range byID {
			if conn.LastPong().Before(cutoff) {
				stale = append(stale, conn)
			}
		}
	}
	m.mu.RUnlock()

	for _, conn := range stale {
		logging.Info().
			Str("app_id", conn.App().ID).
			Str("socket_id", conn.ID()).
			Time("last_pong", conn.LastPong()).
			Msg("removing obsolete connection")
		m.UnsubscribeFromAllChannels(ctx, conn)
		if err := m.RemoveConnection(ctx, conn); err != nil {
			logging.Error().Err(err).Str("socket_id", conn.ID()).Msg("obsolete connection removal failed")
		}
	}
	return nil
}

// localChannels snapshots the app's channel map for embedding managers.
func (m *LocalManager) localChannels(appID string) []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels[appID]))
	for _, ch := range m.channels[appID] {
		out = append(out, ch)
	}
	return out
}
