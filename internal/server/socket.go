// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// newSocketID generates a Pusher-style socket id: two random decimal halves
// joined by a dot. Clients embed it verbatim in auth signatures, so the
// format is part of the public contract.
func newSocketID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in a bad way; fall
		// back to the clock rather than refuse connections.
		return fmt.Sprintf("%d.%d", time.Now().UnixNano()&0xffffffff, time.Now().UnixNano()>>32)
	}
	return fmt.Sprintf("%d.%d", binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint32(b[4:]))
}

// Socket is one client connection. It implements channels.Connection: the
// manager sees only ID/App/Send/LastPong, while the read and write pumps
// own the underlying gorilla connection.
type Socket struct {
	id   string
	app  *apps.App
	conn *websocket.Conn
	send chan []byte

	// closeErr carries a protocol error to the write pump, which owns
	// all writes and performs the close handshake. pumpDone is closed
	// when the pump exits.
	closeErr chan *protocol.Error
	pumpDone chan struct{}

	lastPong  atomic.Int64
	closeOnce sync.Once
}

// NewSocket wraps an upgraded connection for the given app.
func NewSocket(conn *websocket.Conn, app *apps.App) *Socket {
	s := &Socket{
		id:       newSocketID(),
		app:      app,
		conn:     conn,
		send:     make(chan []byte, 256),
		closeErr: make(chan *protocol.Error, 1),
		pumpDone: make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// ID returns the socket id.
func (s *Socket) ID() string { return s.id }

// App returns the application resolved during the handshake.
func (s *Socket) App() *apps.App { return s.app }

// Send queues a frame without blocking. A full send buffer means the
// client is not draining; the frame is dropped and the write pump will
// tear the socket down on its next deadline.
func (s *Socket) Send(payload []byte) {
	select {
	case s.send <- payload:
	default:
		logging.Warn().
			Str("socket_id", s.id).
			Str("app_id", s.app.ID).
			Msg("send buffer full, dropping frame")
	}
}

// LastPong returns the time of the most recent liveness signal.
func (s *Socket) LastPong() time.Time {
	return time.Unix(0, s.lastPong.Load())
}

// markPong refreshes the liveness timestamp.
func (s *Socket) markPong() {
	s.lastPong.Store(time.Now().UnixNano())
}

// Close terminates the underlying connection. Safe to call from any
// goroutine, any number of times.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// closeWithError hands the error to the write pump, which writes the
// pusher:error frame and the matching close code, then waits for the pump
// to finish before tearing the connection down. Only meaningful once the
// pump is running; the handshake path rejects on the raw connection.
func (s *Socket) closeWithError(perr *protocol.Error) {
	select {
	case s.closeErr <- perr:
	default:
	}
	select {
	case <-s.pumpDone:
	case <-time.After(writeWait):
	}
	s.Close()
}

// writePump drains the send buffer into the connection and keeps the
// transport alive with periodic pings. One writer per socket; gorilla
// connections do not allow concurrent writes, so error closes are funneled
// through here as well.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.pumpDone)
		s.Close()
	}()

	for {
		select {
		case perr := <-s.closeErr:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.TextMessage, perr.Payload())
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(perr.Code, perr.Message))
			return

		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
