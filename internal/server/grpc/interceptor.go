package grpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	AuthorizationMetadataKey = "authorization"

	msgTokenRequired = "Access token is required"
	msgAuthRequired  = "Authentication required"
)

// requiresAuth reports whether the method belongs to the identity service.
// Health checks stay open.
func requiresAuth(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+IdentityServiceName+"/")
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(AuthorizationMetadataKey)
	if len(values) == 0 {
		return ""
	}
	v := strings.TrimSpace(values[0])
	prefix := common.BearerScheme + " "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return ""
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !requiresAuth(info.FullMethod) {
		return handler(ctx, req)
	}

	accessToken := bearerFromMetadata(ctx)
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, msgTokenRequired)
	}

	id, err := s.users.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	return handler(auth.WithIdentity(ctx, id), req)
}

func (s *GRPCServer) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "panic in handler", "method", info.FullMethod, "panic", fmt.Sprint(r))
			err = status.Error(codes.Internal, "Internal server error")
		}
	}()
	return handler(ctx, req)
}

// toStatus maps the error taxonomy onto gRPC codes.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	e, ok := common.AsError(err)
	if !ok {
		s.logger.Error(ctx, "unhandled error", "error", err)
		return status.Error(codes.Internal, "Internal server error")
	}

	switch e.Kind {
	case common.KindAuthentication:
		return status.Error(codes.Unauthenticated, e.Message)
	case common.KindAuthorization:
		return status.Error(codes.PermissionDenied, e.Message)
	case common.KindValidation:
		return status.Error(codes.InvalidArgument, e.Message)
	case common.KindConflict:
		return status.Error(codes.AlreadyExists, e.Message)
	case common.KindNotFound:
		return status.Error(codes.NotFound, e.Message)
	case common.KindRateLimited:
		return status.Error(codes.ResourceExhausted, e.Message)
	default:
		return status.Error(codes.Internal, e.Message)
	}
}
