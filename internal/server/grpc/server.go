// Package grpc serves the identity service used by out-of-process
// collaborators to resolve and authorize access tokens, plus the standard
// gRPC health service.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Authenticator resolves an access token to the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.Identity, error)
}

type GRPCServer struct {
	address string
	users   Authenticator
	logger  logging.Logger
	health  *health.Server
}

// NewGRPCServer returns a server listening on address a. users resolves
// the bearer token of every identity call.
func NewGRPCServer(a string, l logging.Logger, users Authenticator) *GRPCServer {
	return &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		users:   users,
		health:  health.NewServer(),
	}
}

// Run listens on the configured address and serves until ctx is cancelled,
// then stops gracefully.
func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.serve(ctx, listen)
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.accessTokenInterceptor))

	srv.RegisterService(&IdentityServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(IdentityServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
