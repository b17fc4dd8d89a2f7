// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tomtom215/tidepool/internal/apps"
	"github.com/tomtom215/tidepool/internal/protocol"
)

// Kind identifies a channel variant, resolved once from the name prefix at
// creation time.
type Kind int

const (
	// KindPublic is an open channel with no subscription auth.
	KindPublic Kind = iota
	// KindPrivate requires a valid HMAC signature to subscribe.
	KindPrivate
	// KindPresence is a private channel that additionally tracks a member
	// roster keyed by user id.
	KindPresence
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindPresence:
		return "presence"
	default:
		return "public"
	}
}

// KindOf resolves a channel name to its kind. presence- is checked first
// because presence channels are a specialization of private channels.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, "presence-"):
		return KindPresence
	case strings.HasPrefix(name, "private-"):
		return KindPrivate
	default:
		return KindPublic
	}
}

// PresenceStore is the cluster-side member roster for presence channels.
// Nil in single-process deployments, where the channel's own local roster
// is the source of truth.
type PresenceStore interface {
	Join(ctx context.Context, appID, channel, socketID string, member *protocol.MemberPayload) error
	Leave(ctx context.Context, appID, channel, socketID string) error
	Members(ctx context.Context, appID, channel string) (map[string]protocol.MemberPayload, error)
}

// CrossBroadcaster publishes a wire frame to the other processes in the
// cluster. Nil in single-process deployments.
type CrossBroadcaster interface {
	BroadcastAcrossServers(ctx context.Context, appID, exceptSocketID, channel string, payload []byte) error
}

// Channel is one named channel's live subscriber set.
//
// The state machine per instance is Empty -> Occupied -> Empty: the manager
// creates a channel on first subscribe and destroys it after the last
// unsubscribe, so an existing instance is always occupied (or in the middle
// of becoming so).
type Channel interface {
	Name() string
	Kind() Kind

	// Subscribe adds the connection and sends subscription_succeeded.
	// Private and presence channels verify the auth payload first and
	// return protocol errors without subscribing on failure.
	Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error

	// Unsubscribe removes the connection. Idempotent; unknown sockets are
	// a no-op. Presence channels announce member_removed when the last
	// socket of a user id departs.
	Unsubscribe(ctx context.Context, conn Connection)

	// BroadcastLocal delivers a raw frame to all local subscribers except
	// exceptSocketID (empty string excludes nobody) and reports how many
	// sockets were addressed.
	BroadcastLocal(payload []byte, exceptSocketID string) int

	// Connections returns the local subscribers in socket-id order.
	Connections() []Connection

	// SubscriberCount returns the number of local subscribers.
	SubscriberCount() int

	// HasConnection reports whether the socket id is locally subscribed.
	HasConnection(socketID string) bool

	// IsEmpty reports whether no local subscriber remains.
	IsEmpty() bool
}

// Deps carries the cluster collaborators injected into channels at creation.
// Zero-value Deps produce purely local channels.
type Deps struct {
	Presence PresenceStore
	Cross    CrossBroadcaster
}

// New creates the channel variant matching the name's prefix.
func New(app *apps.App, name string, deps Deps) Channel {
	initBase := func(base *PublicChannel) {
		base.app = app
		base.name = name
		base.subscribers = make(map[string]Connection)
		base.cross = deps.Cross
	}
	switch KindOf(name) {
	case KindPresence:
		ch := &PresenceChannel{
			members: make(map[string]*protocol.MemberPayload),
			store:   deps.Presence,
		}
		initBase(&ch.PublicChannel)
		return ch
	case KindPrivate:
		ch := &PrivateChannel{}
		initBase(&ch.PublicChannel)
		return ch
	default:
		ch := &PublicChannel{}
		initBase(ch)
		return ch
	}
}

// PublicChannel is the base channel: no auth, plain fan-out.
type PublicChannel struct {
	app   *apps.App
	name  string
	cross CrossBroadcaster

	mu          sync.RWMutex
	subscribers map[string]Connection
}

// Name returns the channel name.
func (c *PublicChannel) Name() string { return c.name }

// Kind returns KindPublic.
func (c *PublicChannel) Kind() Kind { return KindPublic }

// Subscribe adds the connection and acknowledges the subscription.
func (c *PublicChannel) Subscribe(_ context.Context, conn Connection, _ *protocol.SubscribePayload) error {
	c.add(conn)
	ack, err := protocol.NewSubscriptionSucceeded(c.name, nil)
	if err != nil {
		return err
	}
	conn.Send(ack)
	return nil
}

// Unsubscribe removes the connection. No-op if it was never subscribed.
func (c *PublicChannel) Unsubscribe(_ context.Context, conn Connection) {
	c.remove(conn.ID())
}

// BroadcastLocal delivers payload to every local subscriber except the
// excluded socket id.
func (c *PublicChannel) BroadcastLocal(payload []byte, exceptSocketID string) int {
	c.mu.RLock()
	targets := make([]Connection, 0, len(c.subscribers))
	for id, conn := range c.subscribers {
		if id == exceptSocketID {
			continue
		}
		targets = append(targets, conn)
	}
	c.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(payload)
	}
	return len(targets)
}

// Connections returns the local subscribers sorted by socket id so that
// delivery and shutdown order are stable.
func (c *PublicChannel) Connections() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conns := make([]Connection, 0, len(c.subscribers))
	for _, conn := range c.subscribers {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// SubscriberCount returns the number of local subscribers.
func (c *PublicChannel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// IsEmpty reports whether no local subscriber remains.
func (c *PublicChannel) IsEmpty() bool {
	return c.SubscriberCount() == 0
}

// HasConnection reports whether the socket id is locally subscribed.
func (c *PublicChannel) HasConnection(socketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[socketID]
	return ok
}

func (c *PublicChannel) add(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[conn.ID()] = conn
}

// remove deletes the socket and reports whether it was present.
func (c *PublicChannel) remove(socketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[socketID]; !ok {
		return false
	}
	delete(c.subscribers, socketID)
	return true
}
