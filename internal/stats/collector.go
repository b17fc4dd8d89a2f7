// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

// Package stats collects per-app connection and message statistics and
// periodically flushes snapshots to a store. Collection is best-effort:
// a failing collector never aborts protocol processing.
package stats

import (
	"context"
	"time"
)

// Statistic is one flushed snapshot of an app's activity window.
type Statistic struct {
	AppID              string    `json:"app_id"`
	Time               time.Time `json:"time"`
	PeakConnections    int64     `json:"peak_connections"`
	CurrentConnections int64     `json:"current_connections"`
	WebSocketMessages  int64     `json:"websocket_messages"`
	APIMessages        int64     `json:"api_messages"`
}

// Collector accumulates per-app counters between flushes.
//
// Increment paths are called concurrently from many connections and must be
// atomic. Save persists a snapshot per active app and resets each window to
// {current: current, peak: current, messages: 0}; apps with zero current
// connections are purged entirely rather than left as a zeroed record.
type Collector interface {
	Connection(ctx context.Context, appID string)
	Disconnection(ctx context.Context, appID string)
	WebSocketMessage(ctx context.Context, appID string)
	APIMessage(ctx context.Context, appID string)

	Save(ctx context.Context, store Store) error
}

// Store persists flushed snapshots.
type Store interface {
	Save(ctx context.Context, snapshots []Statistic) error
}

// NopCollector discards everything; used when statistics are disabled.
type NopCollector struct{}

func (NopCollector) Connection(context.Context, string)       {}
func (NopCollector) Disconnection(context.Context, string)    {}
func (NopCollector) WebSocketMessage(context.Context, string) {}
func (NopCollector) APIMessage(context.Context, string)       {}
func (NopCollector) Save(context.Context, Store) error        { return nil }
