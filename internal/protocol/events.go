// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package protocol defines the Pusher wire protocol: event names, frame
// shapes, and the typed errors that map to pusher:error payloads and close
// codes. It is transport-agnostic; internal/server owns the sockets.
package protocol

import (
	"strings"

	"github.com/goccy/go-json"
)

// Inbound event names dispatched by the connection handler.
const (
	EventSubscribe   = "pusher:subscribe"
	EventUnsubscribe = "pusher:unsubscribe"
	EventPing        = "pusher:ping"
)

// Outbound event names.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// ClientEventPrefix marks client-originated whisper events.
const ClientEventPrefix = "client-"

// IsClientEvent reports whether the event name denotes a client whisper.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// Message is a single inbound or outbound protocol frame.
// Data is kept raw on the way in so each handler decodes its own payload,
// and is an arbitrary value on the way out.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SubscribePayload is the data of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribePayload is the data of a pusher:unsubscribe frame.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// MemberPayload is a presence channel member: a user id plus optional
// client-provided info. user_id may arrive as a JSON number; it is
// normalized to its literal string form.
type MemberPayload struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// UserIDString returns the member's user id as a string, stripping JSON
// string quoting when present. Numeric ids keep their literal form, so
// user_id 1 and user_id "1" collapse to the same member.
func (m *MemberPayload) UserIDString() string {
	s := string(m.UserID)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal(m.UserID, &unquoted); err == nil {
			return unquoted
		}
	}
	return s
}

// NewConnectionEstablished builds the handshake success frame. The inner
// data is double-encoded as a JSON string, matching the Pusher contract.
func NewConnectionEstablished(socketID string, activityTimeout int) ([]byte, error) {
	inner, err := json.Marshal(map[string]interface{}{
		"socket_id":        socketID,
		"activity_timeout": activityTimeout,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"event": EventConnectionEstablished,
		"data":  string(inner),
	})
}

// NewPong builds a pusher:pong reply frame.
func NewPong() []byte {
	return []byte(`{"event":"pusher:pong"}`)
}

// NewChannelEvent builds an outbound event frame for a channel. data is
// marshaled as-is (not double-encoded); payloads originating from clients
// or the API arrive already in their wire form.
func NewChannelEvent(event, channel string, data interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"event":   event,
		"channel": channel,
		"data":    data,
	})
}

// PresenceData is the presence block of a subscription_succeeded frame.
type PresenceData struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// NewSubscriptionSucceeded builds the subscription_succeeded frame. presence
// is nil for public and private channels. The data field is double-encoded
// per the Pusher contract.
func NewSubscriptionSucceeded(channel string, presence *PresenceData) ([]byte, error) {
	var inner []byte
	var err error
	if presence == nil {
		inner = []byte("{}")
	} else {
		inner, err = json.Marshal(map[string]*PresenceData{"presence": presence})
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]string{
		"event":   EventSubscriptionSucceeded,
		"channel": channel,
		"data":    string(inner),
	})
}

// NewMemberAdded builds the member_added frame for a presence channel.
func NewMemberAdded(channel string, member *MemberPayload) ([]byte, error) {
	inner, err := json.Marshal(member)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"event":   EventMemberAdded,
		"channel": channel,
		"data":    string(inner),
	})
}

// NewMemberRemoved builds the member_removed frame for a presence channel.
func NewMemberRemoved(channel, userID string) ([]byte, error) {
	inner, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"event":   EventMemberRemoved,
		"channel": channel,
		"data":    string(inner),
	})
}
