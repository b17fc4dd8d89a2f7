// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"

	"github.com/tomtom215/tidepool/internal/protocol"
)

// Manager owns the (appID, channelName) -> Channel map and coordinates
// subscriptions, liveness and cross-server fan-out. Two implementations
// exist: LocalManager for single-process deployments and RedisManager,
// which layers cluster state from a replication backend on the same
// contract.
//
// Managers never return an error for "channel not found"; absence means
// "nobody local cares, still forward to the cluster". Signature and auth
// failures raised by channels propagate as typed protocol errors.
type Manager interface {
	// Find returns the local channel or nil.
	Find(appID, name string) Channel

	// Subscribe routes a pusher:subscribe frame to the right channel,
	// creating it on first use, and maintains cluster-side counters.
	Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error

	// Unsubscribe removes the connection from one channel, garbage-
	// collecting it when empty. Unknown channels are a no-op.
	Unsubscribe(ctx context.Context, conn Connection, channelName string)

	// UnsubscribeFromAllChannels is called exactly once per connection
	// close. Safe to call for connections that never completed a
	// handshake.
	UnsubscribeFromAllChannels(ctx context.Context, conn Connection)

	// AddConnection registers a connection for liveness tracking and
	// connection accounting after a successful handshake.
	AddConnection(ctx context.Context, conn Connection) error

	// RemoveConnection is the inverse of AddConnection.
	RemoveConnection(ctx context.Context, conn Connection) error

	// ConnectionPonged refreshes the connection's liveness timestamp.
	ConnectionPonged(ctx context.Context, conn Connection) error

	// LocalConnectionCount counts connections attached to this process.
	LocalConnectionCount(appID string) int

	// GlobalConnectionCount counts connections across the cluster. The
	// local manager treats global as local.
	GlobalConnectionCount(ctx context.Context, appID string) (int64, error)

	// Channels lists occupied channels cluster-wide with their
	// subscription counts, optionally filtered by name prefix.
	Channels(ctx context.Context, appID, prefix string) (map[string]int64, error)

	// ChannelSubscriptionCount counts cluster-wide subscriptions on one
	// channel; zero for unknown channels.
	ChannelSubscriptionCount(ctx context.Context, appID, name string) (int64, error)

	// ChannelMembers returns the presence roster socketID -> member.
	// protocol.ErrUnknownChannel for channels nobody occupies.
	ChannelMembers(ctx context.Context, appID, name string) (map[string]protocol.MemberPayload, error)

	// Broadcast delivers a frame to a channel's local subscribers (except
	// exceptSocketID, "" for none) and forwards it across the cluster.
	Broadcast(ctx context.Context, appID, channelName string, payload []byte, exceptSocketID string) error

	// BroadcastAcrossServers publishes a frame to the other processes
	// only; local delivery has already happened (or nobody local cares).
	BroadcastAcrossServers(ctx context.Context, appID, exceptSocketID, channelName string, payload []byte) error

	// AcceptsNewConnections reports whether the handshake should admit
	// new sockets. Flipped once by DeclineNewConnections during graceful
	// shutdown; existing connections drain normally.
	AcceptsNewConnections() bool
	DeclineNewConnections()

	// RemoveObsoleteConnections force-unsubscribes connections whose last
	// pong is older than the staleness threshold. Driven by a periodic
	// timer; compensates for sockets that die without a clean close.
	RemoveObsoleteConnections(ctx context.Context) error
}
