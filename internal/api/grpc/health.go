// Package grpc exposes the standard gRPC health service with one serving
// status per component, kept current by periodic probes.
package grpc

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// Component service names reported by the health server. The empty name
// is the overall status.
const (
	ServiceEngine    = "rangekeeper.engine"
	ServiceState     = "rangekeeper.state"
	ServiceScheduler = "rangekeeper.scheduler"
)

// Probe reports whether a component can serve.
type Probe func(ctx context.Context) error

// HealthService owns a grpc health server and the probes feeding it.
type HealthService struct {
	server   *health.Server
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	probes map[string]Probe
	last   map[string]error
}

// NewHealthService creates a health service that re-probes every interval.
func NewHealthService(interval time.Duration) *HealthService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthService{
		server:   health.NewServer(),
		interval: interval,
		timeout:  interval / 2,
		probes:   make(map[string]Probe),
		last:     make(map[string]error),
	}
}

// AddProbe registers a component probe. Components start NOT_SERVING until
// their first successful probe.
func (h *HealthService) AddProbe(service string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[service] = p
	h.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Register attaches the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// CheckOnce runs every probe and updates the serving statuses. The overall
// status is SERVING only when every component is.
func (h *HealthService) CheckOnce(ctx context.Context) {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.Unlock()
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := probes[name](pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		h.server.SetServingStatus(name, status)

		h.mu.Lock()
		prev, seen := h.last[name]
		h.last[name] = err
		h.mu.Unlock()
		if err != nil && (!seen || prev == nil) {
			log.Printf("grpc: [WARN] %s is not serving: %v", name, err)
		} else if err == nil && seen && prev != nil {
			log.Printf("grpc: %s recovered", name)
		}
	}
	h.server.SetServingStatus("", overall)
}

// Run probes until ctx is done, then marks every service NOT_SERVING.
func (h *HealthService) Run(ctx context.Context) {
	h.CheckOnce(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() {
	h.server.Shutdown()
}

// RequestIDInterceptor logs failed unary calls with the caller's
// x-request-id, or a generated one.
func RequestIDInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("grpc: %s failed (request_id=%s): %v", info.FullMethod, extractRequestID(ctx), err)
	}
	return resp, err
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
