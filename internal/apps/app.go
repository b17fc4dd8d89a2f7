// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package apps holds the tenant application model and the registry used to
// resolve an application by id, key or secret. Applications are immutable
// after load; changing an app requires a restart.
package apps

// App is a single tenant application with its own key pair and limits.
// The zero Capacity pointer means unlimited concurrent connections.
type App struct {
	ID     string
	Key    string
	Secret string
	Name   string
	Host   string
	Path   string

	// Capacity caps concurrent connections for this app across the whole
	// cluster. Nil means no cap.
	Capacity *int

	// EnableClientMessages allows client-* events to be forwarded between
	// subscribers without server interpretation.
	EnableClientMessages bool

	// EnableStatistics opts the app into the statistics collector.
	EnableStatistics bool

	// AllowedOrigins restricts the Origin header on the WebSocket handshake.
	// Empty means any origin is accepted.
	AllowedOrigins []string
}

// AllowsOrigin reports whether the given Origin header value is acceptable
// for this app. An empty allow-list accepts everything, matching the hosted
// Pusher behavior of apps without origin restrictions.
func (a *App) AllowsOrigin(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
