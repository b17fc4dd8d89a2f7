// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package channels

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/protocol"
)

// PresenceChannel is a private channel that additionally tracks a member
// roster. Each socket is tracked individually for disconnect cleanup, but
// members are deduplicated by user id in queries: a user with two tabs open
// counts once.
type PresenceChannel struct {
	PrivateChannel

	// members maps socketID to the decoded channel_data of sockets that
	// completed presence subscription locally. Guarded by the embedded
	// channel mutex.
	members map[string]*protocol.MemberPayload

	// store is the cluster roster; nil in single-process deployments.
	store PresenceStore
}

// Kind returns KindPresence.
func (c *PresenceChannel) Kind() Kind { return KindPresence }

// Subscribe verifies the signature (covering channel_data), stores the
// member payload, acknowledges with a roster snapshot, and announces
// member_added to the other subscribers. The roster snapshot is taken after
// the join so the subscriber sees itself in the member list.
func (c *PresenceChannel) Subscribe(ctx context.Context, conn Connection, payload *protocol.SubscribePayload) error {
	if err := c.verifySignature(conn, payload); err != nil {
		return err
	}

	// channel_data was covered by the signature; failing to decode it
	// still has to reach the client as a subscription failure.
	member := &protocol.MemberPayload{}
	if err := json.Unmarshal([]byte(payload.ChannelData), member); err != nil {
		logging.Debug().Err(err).Str("channel", c.name).Msg("undecodable channel_data")
		return protocol.NewInvalidChannelDataError()
	}

	c.add(conn)
	c.mu.Lock()
	c.members[conn.ID()] = member
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Join(ctx, c.app.ID, c.name, conn.ID(), member); err != nil {
			// Cluster roster update failed; local state still holds, so
			// degrade to local-only membership rather than rejecting.
			logging.Error().Err(err).Str("channel", c.name).Msg("presence join replication failed")
		}
	}

	snapshot, err := c.snapshot(ctx)
	if err != nil {
		return err
	}

	ack, err := protocol.NewSubscriptionSucceeded(c.name, presenceData(snapshot))
	if err != nil {
		return err
	}
	conn.Send(ack)

	// Announce only genuinely new members: a second socket of the same
	// user joins silently.
	if !memberKnownElsewhere(snapshot, conn.ID(), member.UserIDString()) {
		frame, err := protocol.NewMemberAdded(c.name, member)
		if err != nil {
			return err
		}
		c.BroadcastLocal(frame, conn.ID())
		if c.cross != nil {
			if err := c.cross.BroadcastAcrossServers(ctx, c.app.ID, conn.ID(), c.name, frame); err != nil {
				logging.Error().Err(err).Str("channel", c.name).Msg("member_added replication failed")
			}
		}
	}
	return nil
}

// Unsubscribe removes the socket. member_removed fires only if the socket
// had completed presence subscription and it was the user's last socket.
func (c *PresenceChannel) Unsubscribe(ctx context.Context, conn Connection) {
	c.remove(conn.ID())

	c.mu.Lock()
	member, hadPayload := c.members[conn.ID()]
	delete(c.members, conn.ID())
	c.mu.Unlock()

	if !hadPayload {
		return
	}

	if c.store != nil {
		if err := c.store.Leave(ctx, c.app.ID, c.name, conn.ID()); err != nil {
			logging.Error().Err(err).Str("channel", c.name).Msg("presence leave replication failed")
		}
	}

	snapshot, err := c.snapshot(ctx)
	if err != nil {
		logging.Error().Err(err).Str("channel", c.name).Msg("presence snapshot failed during unsubscribe")
		snapshot = c.localMembers()
	}

	userID := member.UserIDString()
	if memberKnownElsewhere(snapshot, conn.ID(), userID) {
		return
	}

	frame, err := protocol.NewMemberRemoved(c.name, userID)
	if err != nil {
		logging.Error().Err(err).Str("channel", c.name).Msg("member_removed frame build failed")
		return
	}
	c.BroadcastLocal(frame, conn.ID())
	if c.cross != nil {
		if err := c.cross.BroadcastAcrossServers(ctx, c.app.ID, conn.ID(), c.name, frame); err != nil {
			logging.Error().Err(err).Str("channel", c.name).Msg("member_removed replication failed")
		}
	}
}

// Members returns the channel roster, cluster-wide when clustered.
func (c *PresenceChannel) Members(ctx context.Context) (map[string]protocol.MemberPayload, error) {
	return c.snapshot(ctx)
}

// UserCount returns the number of distinct user ids in the roster.
func (c *PresenceChannel) UserCount(ctx context.Context) (int, error) {
	snapshot, err := c.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(presenceData(snapshot).IDs), nil
}

// localMembers copies the local roster.
func (c *PresenceChannel) localMembers() map[string]protocol.MemberPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]protocol.MemberPayload, len(c.members))
	for id, m := range c.members {
		out[id] = *m
	}
	return out
}

// snapshot resolves the roster: through the cluster store when present,
// local otherwise.
func (c *PresenceChannel) snapshot(ctx context.Context) (map[string]protocol.MemberPayload, error) {
	if c.store == nil {
		return c.localMembers(), nil
	}
	return c.store.Members(ctx, c.app.ID, c.name)
}

// memberKnownElsewhere reports whether another socket in the roster carries
// the same user id.
func memberKnownElsewhere(roster map[string]protocol.MemberPayload, socketID, userID string) bool {
	for id, m := range roster {
		if id == socketID {
			continue
		}
		if m.UserIDString() == userID {
			return true
		}
	}
	return false
}

// presenceData folds a roster into the wire shape, deduplicating by user
// id. Undecodable entries have already been filtered by the store.
func presenceData(roster map[string]protocol.MemberPayload) *protocol.PresenceData {
	hash := make(map[string]json.RawMessage, len(roster))
	for _, m := range roster {
		hash[m.UserIDString()] = m.UserInfo
	}
	ids := make([]string, 0, len(hash))
	for id := range hash {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &protocol.PresenceData{IDs: ids, Hash: hash, Count: len(ids)}
}
