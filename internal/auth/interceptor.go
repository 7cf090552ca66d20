// ABOUTME: gRPC interceptor authenticating inbound calls with JWT bearer tokens
// ABOUTME: Extracts the token from metadata and populates the context for handlers

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}

		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			logAuthFailure(ctx, logger, errMsg)
			return nil, status.Error(codes.Unauthenticated, errMsg)
		}
		authCtx, err := tokens.Verify(token)
		if err != nil {
			logAuthFailure(ctx, logger, err.Error())
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		return handler(WithAuth(ctx, authCtx), req)
	}
}

// BearerCredentials attaches a static bearer token to outbound gRPC calls.
type BearerCredentials struct {
	Token    string
	Insecure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c BearerCredentials) RequireTransportSecurity() bool {
	return !c.Insecure
}
