// ABOUTME: Router resolves addresses to local agents or transports and sends requests
// ABOUTME: It is the outbound sender of every hosted agent

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

// ErrProtocolUnsupported matches, by code, resolution failures for addresses
// whose scheme no transport serves.
var ErrProtocolUnsupported = rpc.NewError(rpc.CodeProtocolUnsupported, "protocol not supported")

// Resolution is where an address leads.
type Resolution struct {
	// Local is set when the address names an agent hosted here.
	Local   bool
	AgentID string
	// Transport and Address are set for remote destinations.
	Transport transport.Transport
	Address   string
}

// Router holds the transports in registration order.
type Router struct {
	invoker transport.Invoker
	tracer  trace.Tracer
	logger  *slog.Logger

	mu         sync.RWMutex
	transports []transport.Transport
}

// NewRouter creates a router dispatching local calls to invoker.
func NewRouter(invoker transport.Invoker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		invoker: invoker,
		tracer:  otel.GetTracerProvider().Tracer("github.com/2389/coven-rpc/gateway"),
		logger:  logger.With("component", "router"),
	}
}

// Register appends t. Earlier transports take precedence.
func (r *Router) Register(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
	r.logger.Info("transport registered", "protocols", t.Protocols())
}

// Unregister removes t, reporting whether it was registered.
func (r *Router) Unregister(t transport.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.transports, t)
	if i < 0 {
		return false
	}
	r.transports = slices.Delete(r.transports, i, i+1)
	r.logger.Info("transport unregistered", "protocols", t.Protocols())
	return true
}

// Transports returns the registered transports in order.
func (r *Router) Transports() []transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.transports)
}

// TransportFor returns the first transport serving scheme.
func (r *Router) TransportFor(scheme string) (transport.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transports {
		if slices.Contains(t.Protocols(), scheme) {
			return t, true
		}
	}
	return nil, false
}

// Resolve finds the destination of address. A transport claiming the address
// as local wins; otherwise the address's scheme selects the transport.
func (r *Router) Resolve(address string) (Resolution, error) {
	for _, t := range r.Transports() {
		if id, ok := t.LocalAgentID(address); ok {
			return Resolution{Local: true, AgentID: id}, nil
		}
	}
	scheme := transport.Scheme(address)
	if t, ok := r.TransportFor(scheme); ok {
		return Resolution{Transport: t, Address: address}, nil
	}
	return Resolution{}, rpc.Errorf(rpc.CodeProtocolUnsupported, "no transport for protocol %q of address %q", scheme, address)
}

// AgentURLs returns the address of a local agent on every transport.
func (r *Router) AgentURLs(agentID string) []string {
	ts := r.Transports()
	urls := make([]string, 0, len(ts))
	for _, t := range ts {
		urls = append(urls, t.AgentURL(agentID))
	}
	return urls
}

func (r *Router) startSpan(ctx context.Context, name, senderID, address string, req *rpc.Request) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", req.Method()),
			attribute.String("rpc.request_id", req.ID().String()),
			attribute.String("coven.sender", senderID),
			attribute.String("coven.address", address),
		))
}

func endSpan(span trace.Span, resp *rpc.Response, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil && resp.Error != nil:
		span.SetAttributes(attribute.Int("rpc.error_code", int(resp.Error.Code)))
		span.SetStatus(codes.Error, resp.Error.Message)
	}
	span.End()
}

// Send delivers req to address and blocks for the response. Local agents are
// invoked directly; failures to reach them come back as error responses.
func (r *Router) Send(ctx context.Context, senderID, address string, req *rpc.Request) (resp *rpc.Response, err error) {
	ctx, span := r.startSpan(ctx, "coven.router.Send", senderID, address, req)
	defer func() { endSpan(span, resp, err) }()

	res, err := r.Resolve(address)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("coven.local", res.Local))

	start := time.Now()
	if res.Local {
		resp = transport.Dispatch(ctx, r.invoker, res.AgentID, req)
	} else {
		resp, err = res.Transport.Send(ctx, senderID, res.Address, req)
		if err != nil {
			return nil, err
		}
	}
	r.logger.Debug("request routed",
		"sender", senderID,
		"address", address,
		"method", req.Method(),
		"local", res.Local,
		"duration", time.Since(start),
	)
	return resp, nil
}

// SendAsync delivers req to address; fn receives the outcome later. Errors
// resolving the address are returned immediately and fn is not called.
func (r *Router) SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error {
	ctx, span := r.startSpan(ctx, "coven.router.SendAsync", senderID, address, req)

	res, err := r.Resolve(address)
	if err != nil {
		endSpan(span, nil, err)
		return err
	}
	span.SetAttributes(attribute.Bool("coven.local", res.Local))

	if res.Local {
		ctx = context.WithoutCancel(ctx)
		go func() {
			resp := transport.Dispatch(ctx, r.invoker, res.AgentID, req)
			endSpan(span, resp, nil)
			fn(resp, nil)
		}()
		return nil
	}

	err = res.Transport.SendAsync(ctx, senderID, res.Address, req, func(resp *rpc.Response, err error) {
		endSpan(span, resp, err)
		fn(resp, err)
	})
	if err != nil {
		endSpan(span, nil, err)
	}
	return err
}

// Call invokes method on address and decodes the result into result, which
// may be nil. Error responses are returned as their *rpc.Error.
func (r *Router) Call(ctx context.Context, senderID, address, method string, params map[string]any, result any) error {
	req, err := rpc.NewRequest(rpc.NewRequestID(), method, params)
	if err != nil {
		return err
	}
	resp, err := r.Send(ctx, senderID, address, req)
	if err != nil {
		return fmt.Errorf("calling %s on %s: %w", method, address, err)
	}
	if result == nil {
		return resp.Err()
	}
	return resp.Decode(result)
}

// IsProtocolUnsupported reports whether err is a resolution failure.
func IsProtocolUnsupported(err error) bool {
	return errors.Is(err, ErrProtocolUnsupported)
}
