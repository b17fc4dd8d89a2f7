// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
	"github.com/tomtom215/tidepool/internal/protocol"
	"github.com/tomtom215/tidepool/internal/replication"
)

// RedisManager layers cluster state on the embedded LocalManager: channel
// fan-out crosses processes over the replication backend, counters and
// presence rosters live in the backend, and liveness is tracked in a shared
// sorted set so any one process can sweep connections another process lost.
//
// Replication failures never fail protocol handling; the manager logs and
// degrades to local-only behavior until the backend recovers.
type RedisManager struct {
	*LocalManager

	backend  replication.Backend
	registry apps.Registry
}

// backendPresenceStore adapts the replication backend to the channel-facing
// PresenceStore contract.
type backendPresenceStore struct {
	backend replication.Backend
}

func (s backendPresenceStore) Join(ctx context.Context, appID, channel, socketID string, member *protocol.MemberPayload) error {
	return s.backend.JoinChannel(ctx, appID, channel, socketID, member)
}

func (s backendPresenceStore) Leave(ctx context.Context, appID, channel, socketID string) error {
	return s.backend.LeaveChannel(ctx, appID, channel, socketID)
}

func (s backendPresenceStore) Members(ctx context.Context, appID, channel string) (map[string]protocol.MemberPayload, error) {
	return s.backend.ChannelMembers(ctx, appID, channel)
}

// NewRedisManager creates a cluster-aware manager over the backend and
// installs itself as the backend's message handler.
func NewRedisManager(backend replication.Backend, registry apps.Registry) *RedisManager {
	m := &RedisManager{
		LocalManager: NewLocalManager(),
		backend:      backend,
		registry:     registry,
	}
	m.deps = Deps{
		Presence: backendPresenceStore{backend: backend},
		Cross:    m,
	}
	backend.Listen(m.handleReplicated)
	return m
}

// handleReplicated delivers an envelope from another process to local
// subscribers. Envelopes this process published come back on the topic and
// are discarded by server id.
func (m *RedisManager) handleReplicated(msg *replication.Message) {
	if msg.ServerID == m.backend.ServerID() {
		return
	}
	metrics.ReplicationReceived.Inc()
	ch := m.Find(msg.AppID, msg.Channel)
	if ch == nil {
		return
	}
	ch.BroadcastLocal(msg.Payload, msg.ExceptSocketID)
}

// Subscribe routes the frame locally, then registers the interest with the
// cluster: the topic subscription (ref-counted by the backend) and the
// subscription counter. Re-subscribing an already-joined socket is
// acknowledged again without touching the counters.
func (m *RedisManager) Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error {
	appID := conn.App().ID
	already := false
	if ch := m.Find(appID, payload.Channel); ch != nil {
		already = ch.HasConnection(conn.ID())
	}

	if err := m.LocalManager.Subscribe(ctx, conn, payload); err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := m.backend.Subscribe(ctx, appID, payload.Channel); err != nil {
		logging.Error().Err(err).Str("channel", payload.Channel).Msg("topic subscribe failed")
	}
	if _, err := m.backend.IncrSubscriptions(ctx, appID, payload.Channel); err != nil {
		logging.Error().Err(err).Str("channel", payload.Channel).Msg("subscription counter increment failed")
	}
	if err := m.backend.AddSocketChannel(ctx, appID, conn.ID(), payload.Channel); err != nil {
		logging.Error().Err(err).Str("channel", payload.Channel).Msg("socket channel index add failed")
	}
	return nil
}

// Unsubscribe removes the socket from one channel and unwinds the cluster
// interest registered by Subscribe. Sockets that never joined are a no-op.
func (m *RedisManager) Unsubscribe(ctx context.Context, conn Connection, channelName string) {
	appID := conn.App().ID
	ch := m.Find(appID, channelName)
	if ch == nil || !ch.HasConnection(conn.ID()) {
		return
	}

	m.LocalManager.Unsubscribe(ctx, conn, channelName)

	if err := m.backend.Unsubscribe(ctx, appID, channelName); err != nil {
		logging.Error().Err(err).Str("channel", channelName).Msg("topic unsubscribe failed")
	}
	if _, err := m.backend.DecrSubscriptions(ctx, appID, channelName); err != nil {
		logging.Error().Err(err).Str("channel", channelName).Msg("subscription counter decrement failed")
	}
	if err := m.backend.RemoveSocketChannel(ctx, appID, conn.ID(), channelName); err != nil {
		logging.Error().Err(err).Str("channel", channelName).Msg("socket channel index remove failed")
	}
}

// UnsubscribeFromAllChannels drops the connection from every channel it
// joined, unwinding cluster counters per channel. Index entries with no
// local channel instance belong to a socket a dead peer process never
// cleaned up; those are unwound straight through the backend.
func (m *RedisManager) UnsubscribeFromAllChannels(ctx context.Context, conn Connection) {
	if conn.App() == nil {
		return
	}
	appID := conn.App().ID
	for _, ch := range m.localChannels(appID) {
		if ch.HasConnection(conn.ID()) {
			m.Unsubscribe(ctx, conn, ch.Name())
		}
	}

	remaining, err := m.backend.SocketChannels(ctx, appID, conn.ID())
	if err != nil {
		logging.Error().Err(err).Str("socket_id", conn.ID()).Msg("socket channel index read failed")
		return
	}
	for _, name := range remaining {
		m.unsubscribeOrphan(ctx, appID, conn.ID(), name)
	}
}

// unsubscribeOrphan unwinds one channel subscription this process has no
// local state for: the subscription counter, the index entry and, on
// presence channels, the roster entry with a member_removed announcement
// when it was the user's last socket.
func (m *RedisManager) unsubscribeOrphan(ctx context.Context, appID, socketID, name string) {
	if _, err := m.backend.DecrSubscriptions(ctx, appID, name); err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("subscription counter decrement failed")
	}
	if err := m.backend.RemoveSocketChannel(ctx, appID, socketID, name); err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("socket channel index remove failed")
	}
	if KindOf(name) != KindPresence {
		return
	}

	roster, err := m.backend.ChannelMembers(ctx, appID, name)
	if err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("presence roster read failed")
		return
	}
	member, ok := roster[socketID]
	if !ok {
		return
	}
	if err := m.backend.LeaveChannel(ctx, appID, name, socketID); err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("presence leave failed")
	}

	userID := member.UserIDString()
	if memberKnownElsewhere(roster, socketID, userID) {
		return
	}
	frame, err := protocol.NewMemberRemoved(name, userID)
	if err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("member_removed frame build failed")
		return
	}
	if ch := m.Find(appID, name); ch != nil {
		ch.BroadcastLocal(frame, socketID)
	}
	_ = m.BroadcastAcrossServers(ctx, appID, socketID, name, frame)
}

// AddConnection registers the socket locally, bumps the app's cluster
// connection counter and seeds the liveness set.
func (m *RedisManager) AddConnection(ctx context.Context, conn Connection) error {
	if err := m.LocalManager.AddConnection(ctx, conn); err != nil {
		return err
	}
	appID := conn.App().ID
	if _, err := m.backend.IncrConnections(ctx, appID); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("connection counter increment failed")
	}
	if err := m.backend.AddConnectionToSet(ctx, appID, conn.ID(), time.Now()); err != nil {
		logging.Error().Err(err).Str("socket_id", conn.ID()).Msg("liveness set add failed")
	}
	return nil
}

// RemoveConnection deregisters the socket locally and from the cluster.
func (m *RedisManager) RemoveConnection(ctx context.Context, conn Connection) error {
	if conn.App() == nil {
		return nil
	}
	if err := m.LocalManager.RemoveConnection(ctx, conn); err != nil {
		return err
	}
	appID := conn.App().ID
	if _, err := m.backend.DecrConnections(ctx, appID); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("connection counter decrement failed")
	}
	if err := m.backend.RemoveConnectionFromSet(ctx, appID, conn.ID()); err != nil {
		logging.Error().Err(err).Str("socket_id", conn.ID()).Msg("liveness set remove failed")
	}
	return nil
}

// ConnectionPonged refreshes the socket's score in the shared liveness set.
func (m *RedisManager) ConnectionPonged(ctx context.Context, conn Connection) error {
	return m.backend.AddConnectionToSet(ctx, conn.App().ID, conn.ID(), time.Now())
}

// GlobalConnectionCount reads the app's cluster-wide connection counter.
func (m *RedisManager) GlobalConnectionCount(ctx context.Context, appID string) (int64, error) {
	return m.backend.ConnectionCount(ctx, appID)
}

// Channels lists cluster-wide occupied channels with subscription counts.
func (m *RedisManager) Channels(ctx context.Context, appID, prefix string) (map[string]int64, error) {
	counts, err := m.backend.SubscriptionCounts(ctx, appID)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return counts, nil
	}
	out := make(map[string]int64, len(counts))
	for name, n := range counts {
		if strings.HasPrefix(name, prefix) {
			out[name] = n
		}
	}
	return out, nil
}

// ChannelSubscriptionCount reads one channel's cluster-wide counter.
func (m *RedisManager) ChannelSubscriptionCount(ctx context.Context, appID, name string) (int64, error) {
	return m.backend.SubscriptionCount(ctx, appID, name)
}

// ChannelMembers returns the cluster presence roster. The local channel
// instance resolves it when one exists; otherwise the backend is queried
// directly, since every member may live on another process.
func (m *RedisManager) ChannelMembers(ctx context.Context, appID, name string) (map[string]protocol.MemberPayload, error) {
	if KindOf(name) != KindPresence {
		return nil, protocol.ErrUnknownChannel
	}
	if ch := m.Find(appID, name); ch != nil {
		if presence, ok := ch.(*PresenceChannel); ok {
			return presence.Members(ctx)
		}
	}
	roster, err := m.backend.ChannelMembers(ctx, appID, name)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, protocol.ErrUnknownChannel
	}
	return roster, nil
}

// Broadcast delivers to local subscribers and forwards across the cluster.
func (m *RedisManager) Broadcast(ctx context.Context, appID, channelName string, payload []byte, exceptSocketID string) error {
	if ch := m.Find(appID, channelName); ch != nil {
		ch.BroadcastLocal(payload, exceptSocketID)
	}
	return m.BroadcastAcrossServers(ctx, appID, exceptSocketID, channelName, payload)
}

// BroadcastAcrossServers publishes the frame to the other processes. A
// publish failure is logged and swallowed: local delivery has already
// happened and the breaker will recover the path.
func (m *RedisManager) BroadcastAcrossServers(ctx context.Context, appID, exceptSocketID, channelName string, payload []byte) error {
	err := m.backend.Publish(ctx, &replication.Message{
		AppID:          appID,
		Channel:        channelName,
		ServerID:       m.backend.ServerID(),
		ExceptSocketID: exceptSocketID,
		Payload:        payload,
	})
	if err != nil {
		logging.Error().Err(err).
			Str("app_id", appID).
			Str("channel", channelName).
			Msg("cross-server publish failed, delivered locally only")
	}
	return nil
}

// RemoveObsoleteConnections sweeps the shared liveness set for connections
// whose last pong predates the staleness threshold. Exactly one process
// runs the sweep at a time: the distributed lock is acquired with zero
// wait, and a process that finds it held simply skips the cycle.
//
// Entries owned by another (possibly dead) process are cleaned through a
// virtual connection, which unwinds whatever cluster state this process
// can see for them.
func (m *RedisManager) RemoveObsoleteConnections(ctx context.Context) error {
	ok, release, err := m.backend.AcquireSweepLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer release()

	cutoff := time.Now().Add(-StalenessThreshold)
	stale, err := m.backend.ConnectionsFromSet(ctx, time.Unix(0, 0), cutoff)
	if err != nil {
		return err
	}

	for _, member := range stale {
		appID, socketID, ok := replication.SplitSetMember(member)
		if !ok {
			logging.Error().Str("member", member).Msg("malformed liveness set member")
			continue
		}

		conn := m.findConnection(appID, socketID)
		if conn == nil {
			app, err := m.registry.FindByID(ctx, appID)
			if err != nil || app == nil {
				// App vanished from config; drop the orphan entry.
				if err := m.backend.RemoveConnectionFromSet(ctx, appID, socketID); err != nil {
					logging.Error().Err(err).Str("member", member).Msg("liveness set cleanup failed")
				}
				continue
			}
			conn = NewVirtualConnection(socketID, app)
		}

		logging.Info().
			Str("app_id", appID).
			Str("socket_id", socketID).
			Msg("removing obsolete connection")
		m.UnsubscribeFromAllChannels(ctx, conn)
		if err := m.RemoveConnection(ctx, conn); err != nil {
			logging.Error().Err(err).Str("socket_id", socketID).Msg("obsolete connection removal failed")
		}
		metrics.ObsoleteConnectionsSwept.Inc()
	}
	return nil
}

// findConnection returns the locally registered connection or nil.
func (m *RedisManager) findConnection(appID, socketID string) Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[appID][socketID]
}
