// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package services

import (
	"context"
)

// ReplicationRunner matches the replication backend's subscriber loop.
type ReplicationRunner interface {
	Run(ctx context.Context) error
}

// ReplicationService runs the replication subscriber under supervision. If
// the subscriber connection drops, suture restarts the loop; topic
// subscriptions are re-established by the backend's pubsub client.
type ReplicationService struct {
	backend ReplicationRunner
	name    string
}

// NewReplicationService creates the wrapper.
func NewReplicationService(backend ReplicationRunner) *ReplicationService {
	return &ReplicationService{
		backend: backend,
		name:    "replication-subscriber",
	}
}

// Serve implements suture.Service.
func (r *ReplicationService) Serve(ctx context.Context) error {
	return r.backend.Run(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (r *ReplicationService) String() string {
	return r.name
}
