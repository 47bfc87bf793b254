package grpc

import (
	"context"
	"slices"

	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	IdentityServiceName = "estateauth.v1.Identity"

	WhoAmIMethod    = "/" + IdentityServiceName + "/WhoAmI"
	AuthorizeMethod = "/" + IdentityServiceName + "/Authorize"
)

// IdentityServer is implemented by GRPCServer. Messages are protobuf
// well-known types, so no generated code is needed.
type IdentityServer interface {
	WhoAmI(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: IdentityServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "estateauth/v1/identity.proto",
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoAmIMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AuthorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func identityStruct(id *auth.Identity) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"userId": id.UserID,
		"email":  id.Email,
		"role":   string(id.Role),
	})
}

// WhoAmI returns the identity attached by the interceptor.
func (s *GRPCServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, msgAuthRequired)
	}
	return identityStruct(id)
}

// Authorize checks the caller role against req.roles, a non-empty list of
// role names.
func (s *GRPCServer) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, msgAuthRequired)
	}

	roles, err := parseRoles(req)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roles, id.Role) {
		s.logger.Info(ctx, "authorization denied", "user_id", id.UserID, "role", id.Role)
		return nil, status.Error(codes.PermissionDenied, "Insufficient permissions")
	}

	return identityStruct(id)
}

func parseRoles(req *structpb.Struct) ([]models.Role, error) {
	list := req.GetFields()["roles"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "roles is required")
	}

	roles := make([]models.Role, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		role := models.Role(v.GetStringValue())
		if !role.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown role %q", v.GetStringValue())
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// IdentityClient calls the identity service on behalf of a token holder.
type IdentityClient struct {
	cc grpc.ClientConnInterface
}

func NewIdentityClient(cc grpc.ClientConnInterface) *IdentityClient {
	return &IdentityClient{cc: cc}
}

func (c *IdentityClient) WhoAmI(ctx context.Context, opts ...grpc.CallOption) (*auth.Identity, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, WhoAmIMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return identityFromStruct(out), nil
}

func (c *IdentityClient) Authorize(ctx context.Context, roles []models.Role, opts ...grpc.CallOption) (*auth.Identity, error) {
	values := make([]any, len(roles))
	for i, r := range roles {
		values[i] = string(r)
	}
	in, err := structpb.NewStruct(map[string]any{"roles": values})
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AuthorizeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return identityFromStruct(out), nil
}

func identityFromStruct(s *structpb.Struct) *auth.Identity {
	f := s.GetFields()
	return &auth.Identity{
		UserID: f["userId"].GetStringValue(),
		Email:  f["email"].GetStringValue(),
		Role:   models.Role(f["role"].GetStringValue()),
	}
}
