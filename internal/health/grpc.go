package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the redeemer.
const ServiceName = "redeemer"

// GRPCServer serves grpc.health.v1 backed by the Monitor.
type GRPCServer struct {
	monitor  *Monitor
	port     int
	interval time.Duration
	health   *grpchealth.Server
	server   *grpc.Server
	logger   *slog.Logger
}

// NewGRPCServer creates the gRPC health server.
func NewGRPCServer(monitor *Monitor, port int) *GRPCServer {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{
		monitor:  monitor,
		port:     port,
		interval: 15 * time.Second,
		health:   hs,
		server:   srv,
		logger:   slog.Default().With("component", "grpc-health"),
	}
}

// Start listens and refreshes the serving status until ctx is done.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	g.Refresh(ctx)
	go g.watch(ctx)
	go func() {
		if err := g.server.Serve(lis); err != nil {
			g.logger.Error("gRPC health server stopped", "error", err)
		}
	}()
	return nil
}

// Stop drains the server.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

// Refresh maps the monitor's status onto the serving status. Degraded still
// serves.
func (g *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if g.monitor.CheckHealth(ctx).SystemStatus == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return status
}

func (g *GRPCServer) watch(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}
