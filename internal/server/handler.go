// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/channels"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
	"github.com/tomtom215/tidepool/internal/protocol"
	"github.com/tomtom215/tidepool/internal/stats"
)

// DefaultActivityTimeout is the activity_timeout advertised to clients in
// connection_established, in seconds. Clients ping when idle this long.
const DefaultActivityTimeout = 120

// Handler upgrades WebSocket handshakes and runs the per-socket protocol
// loop. One Handler serves every app.
type Handler struct {
	registry        apps.Registry
	manager         channels.Manager
	hub             *Hub
	collector       stats.Collector
	activityTimeout int

	upgrader websocket.Upgrader
}

// NewHandler wires the connection handler. activityTimeout is in seconds;
// zero selects the default.
func NewHandler(registry apps.Registry, manager channels.Manager, hub *Hub, collector stats.Collector, activityTimeout int) *Handler {
	if activityTimeout <= 0 {
		activityTimeout = DefaultActivityTimeout
	}
	return &Handler{
		registry:        registry,
		manager:         manager,
		hub:             hub,
		collector:       collector,
		activityTimeout: activityTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is per-app and enforced after key
			// resolution; the upgrader itself accepts everyone.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /app/{appKey}: upgrade, handshake, protocol loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appKey := r.PathValue("appKey")
	if appKey == "" {
		appKey = r.URL.Query().Get("appKey")
	}
	origin := r.Header.Get("Origin")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ctx := context.Background()

	if !h.manager.AcceptsNewConnections() {
		metrics.RecordRejection("", "declining")
		_ = conn.Close()
		return
	}

	app, err := h.registry.FindByKey(ctx, appKey)
	if err != nil || app == nil {
		metrics.RecordRejection("", "unknown_key")
		rejectHandshake(conn, protocol.NewUnknownAppKeyError(appKey))
		return
	}

	if !app.AllowsOrigin(origin) {
		metrics.RecordRejection(app.ID, "origin")
		logging.Info().Str("app_id", app.ID).Str("origin", origin).Msg("origin rejected")
		rejectHandshake(conn, protocol.NewOriginNotAllowedError())
		return
	}

	if app.Capacity != nil {
		count, err := h.manager.GlobalConnectionCount(ctx, app.ID)
		if err != nil {
			logging.Error().Err(err).Str("app_id", app.ID).Msg("capacity check failed")
		} else if count >= int64(*app.Capacity) {
			metrics.RecordRejection(app.ID, "capacity")
			rejectHandshake(conn, protocol.NewOverCapacityError())
			return
		}
	}

	socket := NewSocket(conn, app)

	established, err := protocol.NewConnectionEstablished(socket.ID(), h.activityTimeout)
	if err != nil {
		logging.Error().Err(err).Msg("connection_established frame build failed")
		_ = conn.Close()
		return
	}

	if err := h.manager.AddConnection(ctx, socket); err != nil {
		logging.Error().Err(err).Str("socket_id", socket.ID()).Msg("connection registration failed")
		_ = conn.Close()
		return
	}
	select {
	case h.hub.Register <- socket:
	case <-h.hub.Done():
		// Shutdown raced the handshake; unwind without ever having
		// counted the connection.
		if err := h.manager.RemoveConnection(ctx, socket); err != nil {
			logging.Error().Err(err).Str("socket_id", socket.ID()).Msg("connection removal failed")
		}
		socket.Close()
		return
	}
	if app.EnableStatistics {
		h.collector.Connection(ctx, app.ID)
	}
	metrics.RecordConnection(app.ID)

	logging.Info().
		Str("app_id", app.ID).
		Str("socket_id", socket.ID()).
		Str("remote", r.RemoteAddr).
		Msg("connection established")

	go socket.writePump()
	socket.Send(established)

	h.readPump(ctx, socket)
}

// rejectHandshake closes a just-upgraded connection with a protocol error.
func rejectHandshake(conn *websocket.Conn, perr *protocol.Error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, perr.Payload())
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(perr.Code, perr.Message))
	_ = conn.Close()
}

// readPump decodes inbound frames and dispatches them in arrival order.
// Per-connection processing is serialized here: a subscribe is never
// reordered past a preceding unsubscribe.
func (h *Handler) readPump(ctx context.Context, socket *Socket) {
	defer h.closeSocket(ctx, socket)

	socket.conn.SetReadLimit(maxMessageSize)
	if err := socket.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	socket.conn.SetPongHandler(func(string) error {
		socket.markPong()
		return socket.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := socket.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("socket_id", socket.ID()).Msg("unexpected websocket close")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Debug().Err(err).Str("socket_id", socket.ID()).Msg("undecodable frame dropped")
			continue
		}

		if socket.app.EnableStatistics {
			h.collector.WebSocketMessage(ctx, socket.app.ID)
		}
		metrics.MessagesWebSocket.WithLabelValues(socket.app.ID).Inc()

		if done := h.dispatch(ctx, socket, &msg, raw); done {
			return
		}
	}
}

// dispatch routes one inbound frame. A true return tears the socket down.
func (h *Handler) dispatch(ctx context.Context, socket *Socket, msg *protocol.Message, raw []byte) bool {
	switch {
	case msg.Event == protocol.EventPing:
		socket.markPong()
		if err := h.manager.ConnectionPonged(ctx, socket); err != nil {
			logging.Error().Err(err).Str("socket_id", socket.ID()).Msg("liveness refresh failed")
		}
		socket.Send(protocol.NewPong())

	case msg.Event == protocol.EventSubscribe:
		var payload protocol.SubscribePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logging.Debug().Err(err).Str("socket_id", socket.ID()).Msg("malformed subscribe payload")
			return false
		}
		if err := h.manager.Subscribe(ctx, socket, &payload); err != nil {
			return h.handleProtocolError(socket, payload.Channel, err)
		}
		metrics.SubscriptionsTotal.WithLabelValues(socket.app.ID, channels.KindOf(payload.Channel).String()).Inc()

	case msg.Event == protocol.EventUnsubscribe:
		var payload protocol.UnsubscribePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logging.Debug().Err(err).Str("socket_id", socket.ID()).Msg("malformed unsubscribe payload")
			return false
		}
		h.manager.Unsubscribe(ctx, socket, payload.Channel)

	case protocol.IsClientEvent(msg.Event):
		h.handleClientEvent(ctx, socket, msg, raw)

	default:
		logging.Debug().Str("event", msg.Event).Str("socket_id", socket.ID()).Msg("unhandled event dropped")
	}
	return false
}

// handleClientEvent forwards a whisper to the channel's other subscribers.
// Whispers are silently dropped unless the app permits them, the channel
// requires auth (private or presence) and the sender is subscribed.
func (h *Handler) handleClientEvent(ctx context.Context, socket *Socket, msg *protocol.Message, raw []byte) {
	if !socket.app.EnableClientMessages {
		return
	}
	if msg.Channel == "" || channels.KindOf(msg.Channel) == channels.KindPublic {
		return
	}
	ch := h.manager.Find(socket.app.ID, msg.Channel)
	if ch == nil || !ch.HasConnection(socket.ID()) {
		return
	}
	if err := h.manager.Broadcast(ctx, socket.app.ID, msg.Channel, raw, socket.ID()); err != nil {
		logging.Error().Err(err).Str("channel", msg.Channel).Msg("client event broadcast failed")
	}
}

// handleProtocolError translates a subscribe failure at the connection
// boundary. Typed protocol errors go to the client and close the socket;
// anything else has no wire payload and is only logged.
func (h *Handler) handleProtocolError(socket *Socket, channel string, err error) bool {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		logging.Info().
			Str("app_id", socket.app.ID).
			Str("socket_id", socket.ID()).
			Str("channel", channel).
			Int("code", perr.Code).
			Msg("subscription rejected")
		socket.closeWithError(perr)
		return true
	}
	logging.Error().Err(err).
		Str("app_id", socket.app.ID).
		Str("socket_id", socket.ID()).
		Str("channel", channel).
		Msg("subscription failed")
	return false
}

// closeSocket is the single exit path for an established connection:
// channel state is always unwound, then accounting and notifications.
func (h *Handler) closeSocket(ctx context.Context, socket *Socket) {
	socket.Close()

	h.manager.UnsubscribeFromAllChannels(ctx, socket)
	if err := h.manager.RemoveConnection(ctx, socket); err != nil {
		logging.Error().Err(err).Str("socket_id", socket.ID()).Msg("connection removal failed")
	}

	// A stopped hub no longer receives; the disconnect accounting below
	// must still run for sockets closed by shutdown.
	select {
	case h.hub.Unregister <- socket:
	case <-h.hub.Done():
	}
	if socket.app.EnableStatistics {
		h.collector.Disconnection(ctx, socket.app.ID)
	}
	metrics.RecordDisconnection(socket.app.ID)

	logging.Info().
		Str("app_id", socket.app.ID).
		Str("socket_id", socket.ID()).
		Msg("connection closed")
}
