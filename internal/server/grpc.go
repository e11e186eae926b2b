// ABOUTME: gRPC listener serving the standard health service
// ABOUTME: Serving status follows the store and grace sweeper health

package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "inbox.allocation.v1.Allocator"

// newGRPCHealthServer creates a gRPC server with keepalive settings and the
// health service registered.
func newGRPCHealthServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// updateHealth recomputes the serving status and returns it.
func (s *Server) updateHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.sweeperHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if p, ok := s.store.(pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	if s.health != nil {
		s.health.SetServingStatus("", status)
		s.health.SetServingStatus(HealthService, status)
	}
	return status
}

// watchHealth refreshes the gRPC health status once per sweep interval.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.sweeper.Interval())
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.updateHealth(ctx)
			if status != last {
				s.logger.Warn("health status changed", "from", last.String(), "to", status.String())
				last = status
			}
		}
	}
}
