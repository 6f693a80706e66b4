// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type mockHTTPServer struct {
	mu       sync.Mutex
	listen   chan error
	shutdown bool
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{listen: make(chan error, 1)}
}

func (m *mockHTTPServer) ListenAndServe() error {
	return <-m.listen
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.listen <- nil
	return nil
}

func (m *mockHTTPServer) wasShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := newMockHTTPServer()
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if !srv.wasShutdown() {
		t.Error("Shutdown() was not called")
	}
}

func TestHTTPServerServiceCrashPropagates(t *testing.T) {
	srv := newMockHTTPServer()
	svc := NewHTTPServerService(srv, time.Second)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	srv.listen <- errors.New("bind failed")

	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve() error = nil, want bind failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after server error")
	}
}

type mockScheduler struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (m *mockScheduler) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockScheduler) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func TestSchedulerServiceLifecycle(t *testing.T) {
	sched := &mockScheduler{}
	svc := NewSchedulerService(sched)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// Let Serve start the scheduler before canceling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if !sched.started {
		t.Error("scheduler was not started")
	}
	if !sched.stopped {
		t.Error("scheduler was not stopped")
	}
}

func TestSchedulerServiceStartError(t *testing.T) {
	sched := &mockScheduler{startErr: errors.New("already running")}
	svc := NewSchedulerService(sched)

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("Serve() error = nil, want start failure")
	}
}

func TestBadgerGCServiceStopsOnCancel(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	defer db.Close()

	logger := zerolog.Nop()
	svc := NewBadgerGCService(db, 10*time.Millisecond, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// Let a few GC ticks run.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServiceNames(t *testing.T) {
	if got := (&HTTPServerService{}).String(); got != "http-server" {
		t.Errorf("HTTPServerService.String() = %q, want %q", got, "http-server")
	}
	if got := (&SchedulerService{}).String(); got != "send-scheduler" {
		t.Errorf("SchedulerService.String() = %q, want %q", got, "send-scheduler")
	}
	if got := (&BadgerGCService{}).String(); got != "voice-cache-gc" {
		t.Errorf("BadgerGCService.String() = %q, want %q", got, "voice-cache-gc")
	}
}
