// ABOUTME: gRPC service carrying JSON-RPC payloads: coven.rpc.Transport/Invoke
// ABOUTME: Frames are JSON encoded through a registered "json" codec, no protobuf stubs

package grpctransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-rpc/internal/auth"
	"github.com/2389/coven-rpc/internal/transport"
)

const (
	serviceName  = "coven.rpc.Transport"
	invokeMethod = "/" + serviceName + "/Invoke"
	codecName    = "json"
)

// Frame is the message exchanged by Invoke. Requests carry the target agent
// and the encoded JSON-RPC request; replies carry only the encoded response.
type Frame struct {
	AgentID string          `json:"agent_id,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Body    json.RawMessage `json:"body"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// InvokeServer is the server side of the service.
type InvokeServer interface {
	Invoke(ctx context.Context, in *Frame) (*Frame, error)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokeServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokeServer).Invoke(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes coven.rpc.Transport for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*InvokeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coven/rpc/transport",
}

// Server dispatches inbound frames to locally hosted agents.
type Server struct {
	invoker transport.Invoker
	logger  *slog.Logger
}

// NewServer creates the service implementation.
func NewServer(invoker transport.Invoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		invoker: invoker,
		logger:  logger.With("component", "grpc-handler"),
	}
}

// Invoke implements InvokeServer. Dispatch failures travel inside the
// JSON-RPC response; gRPC errors are reserved for malformed frames.
func (s *Server) Invoke(ctx context.Context, in *Frame) (*Frame, error) {
	if in.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	resp := transport.DispatchBody(ctx, s.invoker, in.AgentID, in.Body)
	if resp.Error != nil {
		s.logger.Debug("request failed",
			"agent_id", in.AgentID,
			"sender", in.Sender,
			"code", resp.Error.Code.String(),
			"error", resp.Error.Message,
		)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response", "agent_id", in.AgentID, "error", err)
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return &Frame{Body: body}, nil
}

// ServerConfig configures NewGRPCServer.
type ServerConfig struct {
	Invoker transport.Invoker
	// Verifier enables bearer token authentication when set.
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// NewGRPCServer creates a grpc.Server with the Transport service registered.
func NewGRPCServer(cfg ServerConfig) *grpc.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.Verifier != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(cfg.Verifier, logger)))
		logger.Info("grpc auth interceptor enabled")
	}

	server := grpc.NewServer(opts...)
	server.RegisterService(&ServiceDesc, NewServer(cfg.Invoker, logger))
	return server
}
