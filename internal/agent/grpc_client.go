package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the remote agent protocol. Messages are
// google.protobuf.Struct values, see requestToStruct and replyFromStruct.
const (
	AgentServiceName = "ranger.agent.v1.AgentService"
	generateMethod   = "/" + AgentServiceName + "/Generate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("agent service is not serving")
)

// Remote is a Capability served by an external agent process over gRPC.
type Remote struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// RemoteConfig holds configuration for the gRPC client.
type RemoteConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultRemoteConfig returns default configuration.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewRemote connects to the agent service at addr and waits until the
// connection is ready so bad endpoints fail at startup.
func NewRemote(addr string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultRemoteConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &Remote{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name returns the capability identifier.
func (c *Remote) Name() string { return "grpc:" + c.addr }

// Close closes the gRPC connection.
func (c *Remote) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Health checks that the remote agent service reports SERVING.
func (c *Remote) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AgentServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Generate performs one unary call.
func (c *Remote) Generate(ctx context.Context, req Request) (Reply, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	return replyFromStruct(out)
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	tools := make([]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		params := make([]any, 0, len(t.Params))
		for _, p := range t.Params {
			params = append(params, map[string]any{"name": p.Name, "description": p.Description})
		}
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"params":      params,
		})
	}
	return structpb.NewStruct(map[string]any{
		"stage":      string(req.Stage),
		"model":      req.Model,
		"system":     req.System,
		"text":       req.Text,
		"tools":      tools,
		"force_tool": req.ForceTool,
	})
}

func requestFromStruct(s *structpb.Struct) Request {
	m := s.AsMap()
	req := Request{
		Model:  stringField(m, "model"),
		System: stringField(m, "system"),
		Text:   stringField(m, "text"),
	}
	req.Stage = roleField(m, "stage")
	if v, ok := m["force_tool"].(bool); ok {
		req.ForceTool = v
	}
	if tools, ok := m["tools"].([]any); ok {
		for _, raw := range tools {
			tm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			spec := ToolSpec{Name: stringField(tm, "name"), Description: stringField(tm, "description")}
			if params, ok := tm["params"].([]any); ok {
				for _, rp := range params {
					if pm, ok := rp.(map[string]any); ok {
						spec.Params = append(spec.Params, ToolParam{Name: stringField(pm, "name"), Description: stringField(pm, "description")})
					}
				}
			}
			req.Tools = append(req.Tools, spec)
		}
	}
	return req
}

func replyToStruct(r Reply) (*structpb.Struct, error) {
	switch v := r.(type) {
	case PlainText:
		return structpb.NewStruct(map[string]any{"type": "text", "text": v.Text})
	case ToolCallRequest:
		args := v.Args
		if args == nil {
			args = map[string]any{}
		}
		return structpb.NewStruct(map[string]any{
			"type": "tool_call",
			"text": v.Text,
			"tool": map[string]any{"id": v.ID, "name": v.Name, "args": args},
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrMalformedReply, r)
	}
}

func replyFromStruct(s *structpb.Struct) (Reply, error) {
	m := s.AsMap()
	switch stringField(m, "type") {
	case "text":
		return PlainText{Text: stringField(m, "text")}, nil
	case "tool_call":
		tool, ok := m["tool"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: tool_call without tool", ErrMalformedReply)
		}
		args, _ := tool["args"].(map[string]any)
		return ToolCallRequest{
			ID:   stringField(tool, "id"),
			Name: stringField(tool, "name"),
			Args: args,
			Text: stringField(m, "text"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reply type %q", ErrMalformedReply, stringField(m, "type"))
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
