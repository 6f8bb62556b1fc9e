// Package healthcheck exposes store health over the standard gRPC health
// protocol for load balancers and orchestrators.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside "".
const ServiceName = "handoffd"

const (
	defaultInterval = 10 * time.Second
	pingTimeout     = 2 * time.Second
)

// Pinger reports backing-store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1 driven by periodic store pings.
type Server struct {
	pinger   Pinger
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	logger   *slog.Logger
}

// New creates a health server. It reports NOT_SERVING until the first
// successful ping.
func New(pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{pinger: pinger, grpc: gs, health: hs, interval: defaultInterval, logger: logger}
}

// Check pings the store once and publishes the result.
func (s *Server) Check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := s.pinger.Ping(pctx)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return err
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.poll(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	}
}

func (s *Server) poll(ctx context.Context) {
	if err := s.Check(ctx); err != nil {
		s.logger.Warn("store health check failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Check(ctx); err != nil {
				s.logger.Warn("store health check failed", "error", err)
			}
		}
	}
}
