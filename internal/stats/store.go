// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"sync"

	"github.com/tomtom215/tidepool/internal/logging"
)

// LogStore writes each snapshot as a structured log line. The default
// store: operators scrape the log stream instead of running a database.
type LogStore struct{}

// Save logs one line per app snapshot.
func (LogStore) Save(_ context.Context, snapshots []Statistic) error {
	for _, s := range snapshots {
		logging.Info().
			Str("app_id", s.AppID).
			Time("window_end", s.Time).
			Int64("peak_connections", s.PeakConnections).
			Int64("current_connections", s.CurrentConnections).
			Int64("websocket_messages", s.WebSocketMessages).
			Int64("api_messages", s.APIMessages).
			Msg("statistics snapshot")
	}
	return nil
}

// MemoryStore retains flushed snapshots in memory, mainly for tests.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots []Statistic
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends the snapshots.
func (s *MemoryStore) Save(_ context.Context, snapshots []Statistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshots...)
	return nil
}

// Snapshots copies everything saved so far.
func (s *MemoryStore) Snapshots() []Statistic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Statistic, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
