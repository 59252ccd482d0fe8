package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC health service name the queue reports under.
const HealthServiceName = "imageflow.v1.Generation"

// Health publishes the generation queue's admission state over the standard
// gRPC health protocol. A full queue reports NOT_SERVING so load balancers
// can route new work elsewhere.
type Health struct {
	server *health.Server
	queue  TaskQueue
	logger *slog.Logger
}

// NewHealth creates a Health reporter over q.
func NewHealth(q TaskQueue, logger *slog.Logger) *Health {
	h := &Health{server: health.NewServer(), queue: q, logger: logger}
	h.server.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Server returns the grpc health server to register.
func (h *Health) Server() *health.Server { return h.server }

// Watch refreshes the serving status every interval until ctx is cancelled,
// then marks every service NOT_SERVING.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			status := h.Check()
			if status != last {
				h.logger.Info("generation health changed", slog.String("status", status.String()))
				last = status
			}
		}
	}
}

// Check computes and publishes the current serving status.
func (h *Health) Check() healthpb.HealthCheckResponse_ServingStatus {
	stats := h.queue.Stats()
	status := healthpb.HealthCheckResponse_SERVING
	if stats.Pending >= stats.Capacity {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(HealthServiceName, status)
	return status
}
