// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"time"

	"github.com/tomtom215/tidepool/internal/logging"
)

// DefaultFlushInterval applies when the config leaves the interval unset.
const DefaultFlushInterval = time.Hour

// Flusher periodically saves collector windows to the store. It implements
// suture.Service and runs under the supervision tree.
type Flusher struct {
	collector Collector
	store     Store
	interval  time.Duration
}

// NewFlusher creates a flusher on the given interval.
func NewFlusher(collector Collector, store Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{collector: collector, store: store, interval: interval}
}

// Serve flushes on every tick until the context is canceled. A failed
// flush is logged and retried on the next tick; counters keep
// accumulating in the meantime.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so a graceful shutdown does not lose the
			// current window.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.collector.Save(flushCtx, f.store); err != nil {
				logging.Error().Err(err).Msg("final statistics flush failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := f.collector.Save(ctx, f.store); err != nil {
				logging.Error().Err(err).Msg("statistics flush failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (f *Flusher) String() string {
	return "stats-flusher"
}
