// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tidepool/internal/logging"
)

// errorResponse is the wire shape of every API failure.
type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// respondJSON writes a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("response marshal failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("response write failed")
	}
}

// respondError writes {"error": message} with the given status.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondValidationError writes a 400 with field-level detail.
func respondValidationError(w http.ResponseWriter, message string, details interface{}) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: message, Details: details})
}
