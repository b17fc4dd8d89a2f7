// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package replication bridges channel state between server processes.
//
// Every published payload carries the originating server id so receivers
// can discard self-originated echoes: a process delivers to its own sockets
// synchronously before publishing, and the publish/subscribe pair would
// otherwise double-deliver. The backend also holds the cluster-wide
// presence rosters, subscription counters and the connection liveness set
// that backs the obsolete-connection sweep; each process's local channel
// map is a cache of "who is connected here", while global state always
// resolves through the backend.
package replication

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tidepool/internal/protocol"
)

// Message is the envelope published between processes. Payload is a
// complete wire frame; internal fields are stripped before anything reaches
// a client.
type Message struct {
	AppID          string          `json:"app_id"`
	Channel        string          `json:"channel"`
	ServerID       string          `json:"server_id"`
	ExceptSocketID string          `json:"except,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Encode marshals the envelope for the transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage unmarshals an envelope received from the transport.
func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Handler consumes envelopes received from other processes.
type Handler func(msg *Message)

// Backend is the cluster-state bridge. A single-process deployment uses
// LocalBackend, whose operations are no-ops or return already-known local
// state, so application logic never branches on deployment mode.
type Backend interface {
	// ServerID identifies this process for self-echo suppression.
	ServerID() string

	// Publish sends an envelope to every process subscribed to the
	// app/channel topic, including this one.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe and Unsubscribe are reference-counted per app/channel
	// topic: only the first subscribe and the drop-to-zero unsubscribe
	// touch the underlying transport.
	Subscribe(ctx context.Context, appID, channel string) error
	Unsubscribe(ctx context.Context, appID, channel string) error

	// Presence roster maintenance and queries.
	JoinChannel(ctx context.Context, appID, channel, socketID string, member *protocol.MemberPayload) error
	LeaveChannel(ctx context.Context, appID, channel, socketID string) error
	ChannelMembers(ctx context.Context, appID, channel string) (map[string]protocol.MemberPayload, error)

	// Per-app/channel subscription counters, backing the channel listing
	// API. Counters at zero are removed.
	IncrSubscriptions(ctx context.Context, appID, channel string) (int64, error)
	DecrSubscriptions(ctx context.Context, appID, channel string) (int64, error)
	SubscriptionCounts(ctx context.Context, appID string) (map[string]int64, error)
	SubscriptionCount(ctx context.Context, appID, channel string) (int64, error)

	// Per-socket channel index. Every subscription is mirrored here so a
	// process sweeping a socket owned by a dead peer can find and unwind
	// that socket's counters and roster entries.
	AddSocketChannel(ctx context.Context, appID, socketID, channel string) error
	RemoveSocketChannel(ctx context.Context, appID, socketID, channel string) error
	SocketChannels(ctx context.Context, appID, socketID string) ([]string, error)

	// Per-app cluster connection counters, backing capacity admission.
	IncrConnections(ctx context.Context, appID string) (int64, error)
	DecrConnections(ctx context.Context, appID string) (int64, error)
	ConnectionCount(ctx context.Context, appID string) (int64, error)

	// Connection liveness set, scored by last-pong time; members are
	// "appID:socketID" pairs. Backs the obsolete-connection sweep.
	AddConnectionToSet(ctx context.Context, appID, socketID string, lastPong time.Time) error
	RemoveConnectionFromSet(ctx context.Context, appID, socketID string) error
	ConnectionsFromSet(ctx context.Context, min, max time.Time) ([]string, error)

	// AcquireSweepLock takes the zero-wait distributed lock guarding the
	// sweep against concurrent pong updates. ok is false when another
	// process holds it; the caller skips this sweep cycle. release is
	// always safe to call.
	AcquireSweepLock(ctx context.Context) (ok bool, release func(), err error)

	// Listen installs the handler invoked for every received envelope.
	// Must be called before Run.
	Listen(handler Handler)

	// Run drives the subscriber loop until the context is canceled.
	Run(ctx context.Context) error

	// Close releases transport resources.
	Close() error
}
