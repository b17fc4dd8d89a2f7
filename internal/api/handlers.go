// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/tidepool/internal/channels"
	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
	"github.com/tomtom215/tidepool/internal/protocol"
	"github.com/tomtom215/tidepool/internal/validation"
)

// maxBatchSize caps events per batch_events request.
const maxBatchSize = 10

// eventRequest is the POST /apps/{appId}/events payload. Either channels
// or channel must name at least one target.
type eventRequest struct {
	Name     string          `json:"name" validate:"required,max=200"`
	Data     json.RawMessage `json:"data" validate:"required"`
	Channels []string        `json:"channels" validate:"omitempty,max=100,dive,required,max=200"`
	Channel  string          `json:"channel" validate:"omitempty,max=200"`
	SocketID string          `json:"socket_id"`
}

// targets resolves the channel list, folding the singular form.
func (e *eventRequest) targets() []string {
	if len(e.Channels) > 0 {
		return e.Channels
	}
	if e.Channel != "" {
		return []string{e.Channel}
	}
	return nil
}

// batchEventRequest is one entry of POST /apps/{appId}/batch_events.
type batchEventRequest struct {
	Name     string          `json:"name" validate:"required,max=200"`
	Data     json.RawMessage `json:"data" validate:"required"`
	Channel  string          `json:"channel" validate:"required,max=200"`
	SocketID string          `json:"socket_id"`
}

type batchRequest struct {
	Batch []batchEventRequest `json:"batch" validate:"required,min=1,dive"`
}

// TriggerEvent broadcasts one event to one or more channels, locally and
// across the cluster.
func (rt *Router) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())

	var req eventRequest
	if err := json.Unmarshal(bodyFromContext(r.Context()), &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondValidationError(w, apiErr.Message, apiErr.Details)
		return
	}
	targets := req.targets()
	if len(targets) == 0 {
		respondError(w, http.StatusBadRequest, "channel or channels is required")
		return
	}
	if len(req.Data) > rt.cfg.MaxEventPayload {
		respondError(w, http.StatusRequestEntityTooLarge, "event data too large")
		return
	}

	for _, channel := range targets {
		frame, err := protocol.NewChannelEvent(req.Name, channel, req.Data)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unencodable event")
			return
		}
		if err := rt.manager.Broadcast(r.Context(), app.ID, channel, frame, req.SocketID); err != nil {
			logging.Error().Err(err).Str("channel", channel).Msg("event broadcast failed")
		}
	}

	if app.EnableStatistics {
		rt.collector.APIMessage(r.Context(), app.ID)
	}
	metrics.MessagesAPI.WithLabelValues(app.ID).Inc()

	respondJSON(w, http.StatusOK, struct{}{})
}

// TriggerBatchEvents broadcasts up to maxBatchSize events in one request.
func (rt *Router) TriggerBatchEvents(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())

	var req batchRequest
	if err := json.Unmarshal(bodyFromContext(r.Context()), &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondValidationError(w, apiErr.Message, apiErr.Details)
		return
	}
	if len(req.Batch) > maxBatchSize {
		respondError(w, http.StatusBadRequest, "batch exceeds 10 events")
		return
	}

	for _, event := range req.Batch {
		if len(event.Data) > rt.cfg.MaxEventPayload {
			respondError(w, http.StatusRequestEntityTooLarge, "event data too large")
			return
		}
	}

	for _, event := range req.Batch {
		frame, err := protocol.NewChannelEvent(event.Name, event.Channel, event.Data)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unencodable event")
			return
		}
		if err := rt.manager.Broadcast(r.Context(), app.ID, event.Channel, frame, event.SocketID); err != nil {
			logging.Error().Err(err).Str("channel", event.Channel).Msg("event broadcast failed")
		}
		if app.EnableStatistics {
			rt.collector.APIMessage(r.Context(), app.ID)
		}
		metrics.MessagesAPI.WithLabelValues(app.ID).Inc()
	}

	respondJSON(w, http.StatusOK, struct{}{})
}

// Channels lists occupied channels, optionally filtered by prefix.
// info=user_count is valid only with a presence- prefix filter.
func (rt *Router) Channels(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	prefix := r.URL.Query().Get("filter_by_prefix")
	wantUserCount := queryInfoHas(r, "user_count")

	if wantUserCount && !strings.HasPrefix(prefix, "presence-") {
		respondError(w, http.StatusBadRequest, "user_count requires filter_by_prefix=presence-")
		return
	}

	occupied, err := rt.manager.Channels(r.Context(), app.ID, prefix)
	if err != nil {
		logging.Error().Err(err).Str("app_id", app.ID).Msg("channel listing failed")
		respondError(w, http.StatusInternalServerError, "channel listing failed")
		return
	}

	result := make(map[string]map[string]interface{}, len(occupied))
	for name := range occupied {
		entry := map[string]interface{}{}
		if wantUserCount {
			count, err := rt.userCount(r, name)
			if err != nil {
				logging.Error().Err(err).Str("channel", name).Msg("user count failed")
				continue
			}
			entry["user_count"] = count
		}
		result[name] = entry
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"channels": result})
}

// Channel reports one channel's occupancy. info selects subscription_count
// and, for presence channels, user_count.
func (rt *Router) Channel(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	name := chi.URLParam(r, "channelName")

	count, err := rt.manager.ChannelSubscriptionCount(r.Context(), app.ID, name)
	if err != nil {
		logging.Error().Err(err).Str("channel", name).Msg("subscription count failed")
		respondError(w, http.StatusInternalServerError, "channel lookup failed")
		return
	}
	if count == 0 {
		respondError(w, http.StatusNotFound, "unknown channel")
		return
	}

	result := map[string]interface{}{"occupied": true}
	if queryInfoHas(r, "subscription_count") {
		result["subscription_count"] = count
	}
	if queryInfoHas(r, "user_count") {
		if channels.KindOf(name) != channels.KindPresence {
			respondError(w, http.StatusBadRequest, "user_count is only valid for presence channels")
			return
		}
		users, err := rt.userCount(r, name)
		if err != nil {
			logging.Error().Err(err).Str("channel", name).Msg("user count failed")
			respondError(w, http.StatusInternalServerError, "user count failed")
			return
		}
		result["user_count"] = users
	}

	respondJSON(w, http.StatusOK, result)
}

// ChannelUsers lists the distinct user ids of a presence channel.
func (rt *Router) ChannelUsers(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	name := chi.URLParam(r, "channelName")

	if channels.KindOf(name) != channels.KindPresence {
		respondError(w, http.StatusBadRequest, "users is only valid for presence channels")
		return
	}

	members, err := rt.manager.ChannelMembers(r.Context(), app.ID, name)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownChannel) {
			respondError(w, http.StatusNotFound, "unknown channel")
			return
		}
		logging.Error().Err(err).Str("channel", name).Msg("member listing failed")
		respondError(w, http.StatusInternalServerError, "member listing failed")
		return
	}

	seen := make(map[string]struct{}, len(members))
	ids := make([]string, 0, len(members))
	for _, member := range members {
		id := member.UserIDString()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	users := make([]map[string]string, len(ids))
	for i, id := range ids {
		users[i] = map[string]string{"id": id}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// userCount counts distinct user ids in a presence channel's roster.
func (rt *Router) userCount(r *http.Request, channel string) (int, error) {
	app := AppFromContext(r.Context())
	members, err := rt.manager.ChannelMembers(r.Context(), app.ID, channel)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownChannel) {
			return 0, nil
		}
		return 0, err
	}
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		seen[member.UserIDString()] = struct{}{}
	}
	return len(seen), nil
}

// queryInfoHas reports whether the comma-separated info query parameter
// contains the given attribute.
func queryInfoHas(r *http.Request, attr string) bool {
	for _, part := range strings.Split(r.URL.Query().Get("info"), ",") {
		if strings.TrimSpace(part) == attr {
			return true
		}
	}
	return false
}
