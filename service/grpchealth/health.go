package grpchealth

import (
	"context"
	"net"
	"time"

	"PPRelay/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "pprelay.Relay"

type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server exposes grpc.health.v1 and flips between SERVING and NOT_SERVING
// according to periodic dependency checks.
type Server struct {
	gs       *grpc.Server
	hs       *health.Server
	checks   []Check
	interval time.Duration
	log      *zap.Logger
}

func New(interval time.Duration, checks ...Check) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	s := &Server{gs: gs, hs: hs, checks: checks, interval: interval, log: logger.Named("grpc-health")}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(ServiceName, st)
}

// Probe runs every check once and publishes the result.
func (s *Server) Probe(ctx context.Context) bool {
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.interval/2)
		err := c.Fn(cctx)
		cancel()
		if err != nil {
			s.log.Warn("dependency unhealthy", zap.String("check", c.Name), zap.Error(err))
			s.set(healthpb.HealthCheckResponse_NOT_SERVING)
			return false
		}
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes on every tick until ctx ends.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Probe(ctx)
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.gs.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the grpc server.
func (s *Server) Stop() {
	s.hs.Shutdown()
	s.gs.GracefulStop()
}
