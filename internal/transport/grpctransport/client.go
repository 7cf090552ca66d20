// ABOUTME: Synchronous gRPC transport for addresses of the form grpc://host:port/<agent-id>
// ABOUTME: Client connections are dialed lazily and shared per target host

package grpctransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-rpc/internal/auth"
	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

// Scheme is the URL scheme served by this transport.
const Scheme = "grpc"

// ErrInvalidAddress indicates an address that is not grpc://host/agent.
var ErrInvalidAddress = errors.New("invalid grpc address")

// Config configures a gRPC transport.
type Config struct {
	// Host is the externally reachable host:port of this process's gRPC
	// listener. Required.
	Host string
	// Token is attached as a bearer token on outbound calls when set.
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Transport sends requests over gRPC.
type Transport struct {
	host    string
	token   string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// New creates a gRPC transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Host == "" {
		return nil, errors.New("grpc transport requires a host")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		host:    strings.ToLower(cfg.Host),
		token:   cfg.Token,
		timeout: timeout,
		logger:  logger.With("component", "grpc-transport"),
		conns:   make(map[string]*grpc.ClientConn),
	}, nil
}

// ParseAddress splits grpc://host:port/agent into its target and agent id.
func ParseAddress(address string) (target, agentID string, err error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) || u.Host == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if path == "" || strings.Contains(path, "/") {
		return "", "", fmt.Errorf("%w: %s has no agent id", ErrInvalidAddress, address)
	}
	agentID, err = url.PathUnescape(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return strings.ToLower(u.Host), agentID, nil
}

// Protocols returns the schemes served by this transport.
func (t *Transport) Protocols() []string {
	return []string{Scheme}
}

// LocalAgentID claims addresses whose host is this process's gRPC host.
func (t *Transport) LocalAgentID(address string) (string, bool) {
	target, agentID, err := ParseAddress(address)
	if err != nil || target != t.host {
		return "", false
	}
	return agentID, true
}

// AgentURL returns the address of a local agent.
func (t *Transport) AgentURL(agentID string) string {
	return Scheme + "://" + t.host + "/" + url.PathEscape(agentID)
}

func (t *Transport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if cc, ok := t.conns[target]; ok {
		return cc, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if t.token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: t.token, Insecure: true}))
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	t.conns[target] = cc
	t.logger.Debug("connection opened", "target", target)
	return cc, nil
}

// Send invokes req on the agent at address and blocks for the response.
func (t *Transport) Send(ctx context.Context, senderID, address string, req *rpc.Request) (*rpc.Response, error) {
	target, agentID, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	cc, err := t.conn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	out := new(Frame)
	in := &Frame{AgentID: agentID, Sender: senderID, Body: body}
	if err := cc.Invoke(ctx, invokeMethod, in, out); err != nil {
		return nil, fmt.Errorf("sending to %s: %w", address, err)
	}
	resp, err := rpc.DecodeResponse(out.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding reply from %s: %w", address, err)
	}

	t.logger.Debug("request sent",
		"address", address,
		"method", req.Method(),
		"duration", time.Since(start),
	)
	return resp, nil
}

// SendAsync runs Send on its own goroutine and hands the outcome to fn.
func (t *Transport) SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error {
	if _, _, err := ParseAddress(address); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		resp, err := t.Send(ctx, senderID, address, req)
		fn(resp, err)
	}()
	return nil
}

// Close closes every client connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var errs []error
	for target, cc := range t.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", target, err))
		}
		delete(t.conns, target)
	}
	return errors.Join(errs...)
}
