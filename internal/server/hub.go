// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package server

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/tidepool/internal/logging"
)

// Hub tracks every live socket on this process. Channel membership lives in
// the channel manager; the hub exists so shutdown and the admission path can
// reach all sockets regardless of subscription state.
type Hub struct {
	clients    map[*Socket]bool
	Register   chan *Socket
	Unregister chan *Socket
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Socket]bool),
		Register:   make(chan *Socket),
		Unregister: make(chan *Socket),
		done:       make(chan struct{}),
	}
}

// Done is closed once the hub has stopped servicing lifecycle events.
// Senders on Register/Unregister must select against it so socket teardown
// never blocks during shutdown.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// RunWithContext processes lifecycle events until the context is canceled,
// then closes every remaining socket. Designed to run under suture.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			closed := h.closeAll()
			logging.Info().
				Str("component", "socket-hub").
				Int("clients_closed", closed).
				Msg("socket hub stopped")
			return ctx.Err()

		case s := <-h.Register:
			h.mu.Lock()
			h.clients[s] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Int("total_clients", total).Msg("socket registered")

		case s := <-h.Unregister:
			h.mu.Lock()
			delete(h.clients, s)
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Int("total_clients", total).Msg("socket unregistered")
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string { return "socket-hub" }

// ClientCount returns the number of live sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll closes every socket in id order and reports how many there were.
// Each close drains the socket through its normal read-pump exit path, so
// channel state is unwound by the usual disconnect handling.
func (h *Hub) closeAll() int {
	h.mu.Lock()
	sockets := make([]*Socket, 0, len(h.clients))
	for s := range h.clients {
		sockets = append(sockets, s)
	}
	h.mu.Unlock()

	sort.Slice(sockets, func(i, j int) bool { return sockets[i].id < sockets[j].id })
	for _, s := range sockets {
		s.Close()
	}
	return len(sockets)
}
