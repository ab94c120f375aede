package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestShutdown_ClosersRunInReverse(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	var order []string
	for _, name := range []string{"engine", "state", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if strings.Join(order, ",") != "http,state,engine" {
		t.Errorf("close order = %v", order)
	}

	// A second call is a no-op.
	if err := sm.Shutdown(context.Background(), "again"); err != nil || len(order) != 3 {
		t.Errorf("second Shutdown ran closers again: %v %v", err, order)
	}
	select {
	case <-sm.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestShutdown_JoinsCloserErrors(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	sm.RegisterCloser("a", CloserFunc(func() error { return errA }))
	sm.RegisterCloser("b", CloserFunc(func() error { return errB }))

	err := sm.Shutdown(context.Background(), "test")
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("expected both errors, got %v", err)
	}
}

func TestShutdown_DrainsInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: 5 * time.Second, DrainTimeout: 2 * time.Second})
	release := make(chan struct{})
	entered := make(chan struct{})
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	<-entered
	if sm.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", sm.InFlight())
	}

	done := make(chan error)
	go func() { done <- sm.Shutdown(context.Background(), "test") }()

	select {
	case <-done:
		t.Fatal("Shutdown returned before the request finished")
	case <-time.After(50 * time.Millisecond):
	}

	// New requests are rejected while draining.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status during shutdown = %d, want 503", rec.Code)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestListenForSignals_ContextCancelled(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	closed := false
	sm.RegisterCloser("x", CloserFunc(func() error { closed = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.ListenForSignals(ctx); err != nil {
		t.Fatalf("ListenForSignals: %v", err)
	}
	if !closed {
		t.Error("closer not run")
	}
}
