// Package health exposes the runtime readiness over the standard gRPC health
// protocol.
package health

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name clients query.
const ServiceName = "policyrt.Runtime"

// Check reports whether one dependency is usable.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config holds health monitoring configuration
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Server is a gRPC server carrying the health and reflection services.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	checks []Check
	config Config
	logger zerolog.Logger
}

// NewServer creates a server that starts out NOT_SERVING until the first
// passing round of checks (or an explicit SetServing).
func NewServer(config Config, logger zerolog.Logger, checks ...Check) *Server {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 15 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	s := &Server{
		health: grpchealth.NewServer(),
		checks: checks,
		config: config,
		logger: logger,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SetServing(false)
	return s
}

// SetServing flips both the named and the overall status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving gRPC on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return s.grpc.Serve(lis)
}

// Stop marks the runtime NOT_SERVING and drains in-flight calls, forcing a
// stop once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC shutdown timeout exceeded, forcing stop")
		s.grpc.Stop()
	case <-stopped:
	}
}

// Run begins the health monitoring loop
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Int("checks", len(s.checks)).
		Msg("Starting health monitor")

	s.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs every check and updates the serving status. It returns
// whether all checks passed.
func (s *Server) CheckOnce(ctx context.Context) bool {
	healthy := true
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.config.CheckTimeout)
		err := c.Fn(cctx)
		cancel()
		if err != nil {
			healthy = false
			s.logger.Warn().Err(err).Str("check", c.Name).Msg("health check failed")
		}
	}
	s.SetServing(healthy)
	return healthy
}

func (s *Server) loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")
	return resp, err
}
