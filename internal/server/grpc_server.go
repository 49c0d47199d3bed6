package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

// HealthService is the service name reported while a study runs
const HealthService = "calibration.Study"

// GRPCServer reports study liveness through the standard health service
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Server exposes the underlying grpc.Server for registering more services
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// SetRunning flips the study health status
func (s *GRPCServer) SetRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

// Serve listens on addr until ctx is done, then stops gracefully
func (s *GRPCServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		errc <- s.server.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		return nil
	}
}
