package proto

import (
	"ButtonCutter/logger"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	MapperService   = "buttoncutter.mapper"
	ActuatorService = "buttoncutter.actuator"
)

// NewHealth reports the station itself as SERVING and each component by
// its availability.
func NewHealth(mappingReady, actuatorReady bool) *health.Server {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	SetReady(h, MapperService, mappingReady)
	SetReady(h, ActuatorService, actuatorReady)
	return h
}

func SetReady(h *health.Server, service string, ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(service, st)
}

func newServer(h *health.Server) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(logUnary))
	healthpb.RegisterHealthServer(s, h)
	reflection.Register(s)
	return s
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Log().Debug("rpc", zap.String("method", info.FullMethod), zap.Duration("latency", time.Since(start)), zap.Error(err))
	return resp, err
}

func StartGRPCServer(addr int, h *health.Server) (*grpc.Server, error) {
	port := fmt.Sprintf(":%d", addr)
	lis, err := net.Listen("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", port, err)
	}
	s := newServer(h)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s, nil
}
