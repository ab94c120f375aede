// Package server coordinates graceful shutdown of the daemon: in-flight
// admin requests drain, then registered closers run in reverse order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests (default: 15s).
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

type namedCloser struct {
	name string
	c    io.Closer
}

// ShutdownManager tracks in-flight requests and the resources to release.
type ShutdownManager struct {
	config ShutdownConfig

	done     chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	closing  atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{config: config, done: make(chan struct{})}
}

// RegisterCloser adds a resource released on shutdown. Closers run in
// reverse order of registration.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, c: c})
}

// ListenForSignals blocks until SIGTERM/SIGINT, ctx cancellation or another
// caller's Shutdown, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown drains in-flight requests and runs every closer. Only the first
// call does any work; all closer errors are joined.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var err error
	sm.once.Do(func() {
		log.Printf("server: shutting down (%s)", reason)
		sm.closing.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.config.ShutdownTimeout)
		defer cancel()

		if derr := sm.drain(ctx); derr != nil {
			log.Printf("server: [WARN] %v", derr)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].c.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d in-flight requests", sm.inFlight.Load())
		case <-ticker.C:
		}
	}
	return nil
}

// Done is closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} { return sm.done }

// InFlight returns the number of requests being served.
func (sm *ShutdownManager) InFlight() int64 { return sm.inFlight.Load() }

// Middleware tracks in-flight requests and rejects new ones once shutdown
// has begun.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.closing.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
			return
		}
		sm.inFlight.Add(1)
		defer sm.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// HTTPServerCloser shuts an http.Server down gracefully within timeout.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
