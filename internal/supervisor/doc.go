// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

/*
Package supervisor builds the suture supervision tree for the server.

The tree has two layers under the root:

  - messaging-layer: socket hub, replication subscriber, liveness sweeper,
    statistics flusher
  - api-layer: HTTP server (trigger/query API, WebSocket endpoint, metrics)

The layers isolate failures: a replication subscriber crash restarts only
the messaging services, while the HTTP listener keeps serving. Supervisor
events are logged through sutureslog into the process-wide zerolog output.
*/
package supervisor
