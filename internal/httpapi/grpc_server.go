package httpapi

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"openshelf.org/internal/obs"
)

// GRPCHealthServer exposes the standard gRPC health protocol backed by the
// same readiness probe as /readyz, for sidecar and load-balancer checks.
type GRPCHealthServer struct {
	healthpb.UnimplementedHealthServer

	readyProbe ReadyProbe
}

func NewGRPCHealthServer(rp ReadyProbe) *GRPCHealthServer {
	return &GRPCHealthServer{readyProbe: rp}
}

func (s *GRPCHealthServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{
			Status: healthpb.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{
		Status: healthpb.HealthCheckResponse_SERVING,
	}, nil
}

func (s *GRPCHealthServer) Watch(_ *healthpb.HealthCheckRequest, _ healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
