package agent

import (
	"context"
	"log/slog"

	"github.com/ashureev/repo-ranger/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*Capability)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ranger/agent/v1/agent.proto",
}

// RegisterAgentServer serves c as the remote agent service on s, along with
// the standard health service. The returned health server reports SERVING.
func RegisterAgentServer(s *grpc.Server, c Capability) *health.Server {
	s.RegisterService(&agentServiceDesc, c)

	hs := health.NewServer()
	hs.SetServingStatus(AgentServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	c := srv.(Capability)
	if interceptor == nil {
		return serveGenerate(ctx, c, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveGenerate(ctx, c, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func serveGenerate(ctx context.Context, c Capability, in *structpb.Struct) (*structpb.Struct, error) {
	req := requestFromStruct(in)
	reply, err := c.Generate(ctx, req)
	if err != nil {
		slog.Warn("Remote agent generate failed", "capability", c.Name(), "stage", req.Stage, "error", err)
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	out, err := replyToStruct(reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func roleField(m map[string]any, key string) domain.Role {
	switch r := domain.Role(stringField(m, key)); r {
	case domain.RoleAnalyst, domain.RoleDeveloper:
		return r
	default:
		return domain.RoleAnalyst
	}
}
