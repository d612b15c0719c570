// Package grpcserver exposes the standard gRPC health service, reporting
// SERVING while the store answers pings.
package grpcserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/robotq/internal/loop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients query. The empty name
// reports the same status.
const ServiceName = "robotq"

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	health *health.Server
	pinger Pinger
	logger *slog.Logger
}

// New creates a Server. Status starts as NOT_SERVING until the first Check.
func New(p Pinger, logger *slog.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		pinger: p,
		logger: logger.With("component", "grpc_health"),
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// NewGRPCServer registers the health service with a new grpc.Server.
func NewGRPCServer(srv *Server) *grpc.Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, srv.health)
	return s
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Check pings the store once and publishes the outcome.
func (s *Server) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run re-checks every interval until ctx is canceled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	loop.Run(ctx, loop.Options{Name: "grpc_health", Interval: interval, Immediate: true, Logger: s.logger},
		s.Check)
}

// Shutdown flips every service to NOT_SERVING so clients stop routing here.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}
