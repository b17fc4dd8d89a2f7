// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"sort"
	"sync"
	"time"
)

// record is one app's counters for the current window.
type record struct {
	current int64
	peak    int64
	ws      int64
	api     int64
}

// MemoryCollector keeps counters in process memory. State does not survive
// restarts, matching the local replication driver.
type MemoryCollector struct {
	mu   sync.Mutex
	apps map[string]*record
}

// NewMemoryCollector creates an empty in-memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{apps: make(map[string]*record)}
}

func (c *MemoryCollector) find(appID string) *record {
	r, ok := c.apps[appID]
	if !ok {
		r = &record{}
		c.apps[appID] = r
	}
	return r
}

// Connection bumps the app's current count and recomputes the peak.
func (c *MemoryCollector) Connection(_ context.Context, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.find(appID)
	r.current++
	if r.current > r.peak {
		r.peak = r.current
	}
}

// Disconnection drops the app's current count.
func (c *MemoryCollector) Disconnection(_ context.Context, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.find(appID).current--
}

// WebSocketMessage counts one inbound protocol frame.
func (c *MemoryCollector) WebSocketMessage(_ context.Context, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.find(appID).ws++
}

// APIMessage counts one trigger-API event.
func (c *MemoryCollector) APIMessage(_ context.Context, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.find(appID).api++
}

// Save persists one snapshot per app and opens the next window. Apps with
// no current connections are purged instead of flushed as zeros.
func (c *MemoryCollector) Save(ctx context.Context, store Store) error {
	now := time.Now()

	c.mu.Lock()
	snapshots := make([]Statistic, 0, len(c.apps))
	for appID, r := range c.apps {
		if r.current <= 0 {
			delete(c.apps, appID)
			continue
		}
		snapshots = append(snapshots, Statistic{
			AppID:              appID,
			Time:               now,
			PeakConnections:    r.peak,
			CurrentConnections: r.current,
			WebSocketMessages:  r.ws,
			APIMessages:        r.api,
		})
		r.peak = r.current
		r.ws = 0
		r.api = 0
	}
	c.mu.Unlock()

	if len(snapshots) == 0 {
		return nil
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AppID < snapshots[j].AppID })
	return store.Save(ctx, snapshots)
}
