// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package channels implements the channel state machine and the channel
// managers that own it. A channel is a named broadcast group with one of
// three kinds (public, private, presence); the manager maps
// (appID, channelName) to live channel instances, garbage-collecting a
// channel the moment its last subscriber leaves.
package channels

import (
	"time"

	"github.com/tomtom215/tidepool/internal/apps"
)

// Connection is the manager-facing view of one client socket. The concrete
// implementation lives in internal/server; tests and administrative sweeps
// use lighter stand-ins.
type Connection interface {
	// ID returns the socket id, unique for the lifetime of this process.
	ID() string

	// App returns the application resolved during the handshake.
	App() *apps.App

	// Send queues a raw wire frame for delivery. It never blocks; frames
	// to a congested socket are dropped and the socket torn down by its
	// write pump.
	Send(payload []byte)

	// LastPong returns the time of the most recent pusher:ping (or
	// transport-level pong) from the client.
	LastPong() time.Time
}

// VirtualConnection is a connection value carrying just an identity. It is
// used as a lookup key for administrative cleanup of sockets that live on
// another process (or died without closing); Send is a no-op.
type VirtualConnection struct {
	socketID string
	app      *apps.App
}

// NewVirtualConnection creates a virtual connection for the given socket id.
func NewVirtualConnection(socketID string, app *apps.App) *VirtualConnection {
	return &VirtualConnection{socketID: socketID, app: app}
}

// ID returns the socket id.
func (v *VirtualConnection) ID() string { return v.socketID }

// App returns the associated application.
func (v *VirtualConnection) App() *apps.App { return v.app }

// Send discards the payload; a virtual connection has no transport.
func (v *VirtualConnection) Send(_ []byte) {}

// LastPong returns the zero time; virtual connections have no liveness.
func (v *VirtualConnection) LastPong() time.Time { return time.Time{} }
