// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"strings"

	"github.com/tomtom215/tidepool/internal/auth"
	"github.com/tomtom215/tidepool/internal/protocol"
)

// PrivateChannel requires subscribers to present a valid HMAC signature
// derived from their socket id and the channel name.
type PrivateChannel struct {
	PublicChannel
}

// Kind returns KindPrivate.
func (c *PrivateChannel) Kind() Kind { return KindPrivate }

// Subscribe verifies the auth payload, then behaves as a public channel.
// On a bad signature the connection is not subscribed and the caller
// receives a protocol error with code 4009.
func (c *PrivateChannel) Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error {
	if err := c.verifySignature(conn, payload); err != nil {
		return err
	}
	return c.PublicChannel.Subscribe(ctx, conn, payload)
}

// verifySignature checks the "key:signature" auth payload against the
// app secret. channel_data participates in the signed message when present
// (presence channels).
func (c *PrivateChannel) verifySignature(conn Connection, payload *protocol.SubscribePayload) error {
	if payload == nil || payload.Auth == "" {
		return protocol.NewInvalidSignatureError()
	}

	// Auth arrives as "{appKey}:{hexSignature}".
	parts := strings.SplitN(payload.Auth, ":", 2)
	if len(parts) != 2 {
		return protocol.NewInvalidSignatureError()
	}
	signature := parts[1]

	message := auth.SocketAuthMessage(conn.ID(), c.name, payload.ChannelData)
	if !auth.Verify(conn.App().Secret, message, signature) {
		return protocol.NewInvalidSignatureError()
	}
	return nil
}
