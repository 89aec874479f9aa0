package daemon

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported by the daemon.
const ServiceName = "rtsd"

func (d *Daemon) startHealth(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	d.health = health.NewServer()
	d.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(d.grpcServer, d.health)
	d.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	d.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	d.healthLis = lis

	go func() {
		if err := d.grpcServer.Serve(lis); err != nil {
			log.Error("Health server stopped", "error", err)
		}
	}()
	log.Info("Health service listening", "addr", lis.Addr().String())
	return nil
}

func (d *Daemon) stopHealth() {
	if d.grpcServer == nil {
		return
	}
	d.health.Shutdown()
	d.grpcServer.GracefulStop()
	d.grpcServer = nil
}
