// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

/*
Package main is the entry point for the Tidepool server.

Tidepool is a self-hosted, Pusher-protocol-compatible WebSocket server.
Clients connect with any Pusher client library, subscribe to public,
private, and presence channels, and backend applications trigger events
through an HMAC-signed HTTP API. Multiple Tidepool processes form a
cluster through a Redis replication backend.

# Application Architecture

The server implements a layered architecture with Suture v4 process
supervision:

	RootSupervisor ("tidepool")
	├── MessagingSupervisor ("messaging-layer")
	│   ├── socket-hub
	│   ├── replication-subscriber (redis driver only)
	│   ├── liveness-sweeper
	│   └── stats-flusher (when statistics are enabled)
	└── APISupervisor ("api-layer")
	    └── http-server

Crashed services restart with exponential backoff. The HTTP server runs
in its own supervisor so an API failure never tears down live WebSocket
connections.

# Startup Sequence

 1. Configuration: YAML file plus TIDEPOOL_* environment overrides
 2. Logging: zerolog initialized from the logging section
 3. App registry: static credentials from the apps section
 4. Replication backend: in-process (local) or Redis pub/sub
 5. Channel manager: subscriptions, presence, cross-node fan-out
 6. Statistics: per-app counters flushed on an interval
 7. HTTP: chi router serving /app/{key} upgrades and the trigger API
 8. Supervisor tree started, SIGINT/SIGTERM drain gracefully
*/
package main
