// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

/*
Package server owns the WebSocket side of Tidepool: the upgrade handler,
the per-connection socket, and the hub that tracks every open socket.

Connection lifecycle:

 1. Handler validates the app key, the Origin header, the app's capacity
    and whether the manager still accepts connections. Failures send a
    pusher:error frame and close with the protocol code (4001 unknown
    key or origin, 4100 over capacity).

 2. On success the socket gets a fresh "uint32.uint32" id, registers with
    the hub and the channel manager, and receives
    pusher:connection_established with the advertised activity timeout.

 3. readPump dispatches protocol frames (subscribe, unsubscribe, ping,
    client-* whispers) to the channel manager; writePump drains the
    buffered send channel and keeps the ping/pong deadlines.

 4. On any read error the socket unregisters, unsubscribes from all
    channels and unwinds the connection accounting.

Sends never block the broadcaster: each socket has a buffered send
channel and a frame that finds it full is dropped for that socket only.
The hub runs as a supervised service; cancelling its context closes
every registered socket.
*/
package server
