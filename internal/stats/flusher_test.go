// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"testing"
	"time"
)

func TestFlusherFlushesOnTick(t *testing.T) {
	collector := NewMemoryCollector()
	store := NewMemoryStore()
	collector.Connection(context.Background(), "demo")

	f := NewFlusher(collector, store, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(store.Snapshots()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected a flush within the deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Serve to return after cancellation")
	}
}

func TestFlusherFinalFlushOnShutdown(t *testing.T) {
	collector := NewMemoryCollector()
	store := NewMemoryStore()
	collector.Connection(context.Background(), "demo")

	// An interval far beyond the test's lifetime: only the shutdown flush
	// can persist the window.
	f := NewFlusher(collector, store, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Serve to return after cancellation")
	}
	if len(store.Snapshots()) != 1 {
		t.Errorf("Expected the final flush to persist the window, got %d snapshots", len(store.Snapshots()))
	}
}

func TestNewFlusherDefaultsInterval(t *testing.T) {
	f := NewFlusher(NopCollector{}, LogStore{}, 0)
	if f.interval != DefaultFlushInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultFlushInterval, f.interval)
	}
}

func TestFlusherString(t *testing.T) {
	if got := NewFlusher(NopCollector{}, LogStore{}, time.Minute).String(); got != "stats-flusher" {
		t.Errorf("Expected stats-flusher, got %q", got)
	}
}
