// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/tidepool/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type countingSweeper struct {
	calls atomic.Int64
	err   error
}

func (s *countingSweeper) RemoveObsoleteConnections(_ context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestSweeperServiceRunsOnInterval(t *testing.T) {
	sweeper := &countingSweeper{}
	svc := NewSweeperService(sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected at least 3 sweeps, got %d", sweeper.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestSweeperServiceRetriesAfterFailure(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("lock unavailable")}
	svc := NewSweeperService(sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Serve(ctx) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected sweeps to continue past a failure, got %d", sweeper.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweeperServiceDefaultInterval(t *testing.T) {
	svc := NewSweeperService(&countingSweeper{}, 0)
	if svc.interval != DefaultSweepInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultSweepInterval, svc.interval)
	}
	if svc.String() != "liveness-sweeper" {
		t.Errorf("Expected name liveness-sweeper, got %q", svc.String())
	}
}

type fakeRunner struct {
	err error
}

func (r *fakeRunner) Run(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestReplicationServicePropagatesErrors(t *testing.T) {
	runErr := errors.New("subscriber connection lost")
	svc := NewReplicationService(&fakeRunner{err: runErr})

	if err := svc.Serve(context.Background()); !errors.Is(err, runErr) {
		t.Errorf("Expected run error to propagate, got %v", err)
	}
	if svc.String() != "replication-subscriber" {
		t.Errorf("Expected name replication-subscriber, got %q", svc.String())
	}
}

func TestReplicationServiceStopsOnCancel(t *testing.T) {
	svc := NewReplicationService(&fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

type stubHTTPServer struct {
	listenErr    error
	shutdownErr  error
	started      chan struct{}
	stop         chan struct{}
	shutdownSeen atomic.Bool
}

func newStubHTTPServer() *stubHTTPServer {
	return &stubHTTPServer{
		started: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (s *stubHTTPServer) ListenAndServe() error {
	close(s.started)
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *stubHTTPServer) Shutdown(_ context.Context) error {
	s.shutdownSeen.Store(true)
	close(s.stop)
	return s.shutdownErr
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := newStubHTTPServer()
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-srv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe was never called")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	if !srv.shutdownSeen.Load() {
		t.Error("Expected Shutdown to be invoked on cancellation")
	}
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	srv := newStubHTTPServer()
	srv.listenErr = errors.New("address already in use")
	svc := NewHTTPServerService(srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Errorf("Expected listen error to propagate, got %v", err)
	}
}

func TestHTTPServerServiceShutdownFailure(t *testing.T) {
	srv := newStubHTTPServer()
	srv.shutdownErr = errors.New("hung connections")
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		if err == nil || !errors.Is(err, srv.shutdownErr) {
			t.Errorf("Expected shutdown error to propagate, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestHTTPServerServiceString(t *testing.T) {
	svc := NewHTTPServerService(newStubHTTPServer(), 0)
	if svc.String() != "http-server" {
		t.Errorf("Expected name http-server, got %q", svc.String())
	}
	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("Expected default shutdown timeout 10s, got %v", svc.shutdownTimeout)
	}
}
