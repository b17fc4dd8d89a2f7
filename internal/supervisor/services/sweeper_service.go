// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package services

import (
	"context"
	"time"

	"github.com/tomtom215/tidepool/internal/logging"
)

// DefaultSweepInterval is how often the obsolete-connection sweep runs.
const DefaultSweepInterval = 10 * time.Second

// ObsoleteSweeper matches the channel manager's sweep entry point.
type ObsoleteSweeper interface {
	RemoveObsoleteConnections(ctx context.Context) error
}

// SweeperService runs the liveness sweep on a timer. Connections that
// stopped ponging are forcibly unsubscribed; in clustered deployments the
// manager's distributed lock ensures only one process sweeps per cycle.
type SweeperService struct {
	manager  ObsoleteSweeper
	interval time.Duration
	name     string
}

// NewSweeperService creates a sweeper on the given interval; zero selects
// the default.
func NewSweeperService(manager ObsoleteSweeper, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SweeperService{
		manager:  manager,
		interval: interval,
		name:     "liveness-sweeper",
	}
}

// Serve implements suture.Service. A failed sweep is logged and retried on
// the next tick.
func (s *SweeperService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.manager.RemoveObsoleteConnections(ctx); err != nil {
				logging.Error().Err(err).Msg("obsolete connection sweep failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *SweeperService) String() string {
	return s.name
}
