// ABOUTME: Transport interface implemented by every wire protocol, plus shared inbound handling
// ABOUTME: Inbound payloads are decoded strictly and dispatched through an Invoker

package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
)

// ErrSyncUnsupported is returned by transports that can only send
// asynchronously.
var ErrSyncUnsupported = errors.New("transport does not support synchronous send")

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("transport closed")

// Transport sends requests to addresses of one or more URL schemes and
// recognizes addresses of agents hosted in this process.
type Transport interface {
	// Protocols returns the URL schemes served, e.g. "http", "https".
	Protocols() []string

	// LocalAgentID returns the agent id when address denotes an agent hosted
	// here through this transport.
	LocalAgentID(address string) (string, bool)

	// AgentURL returns the address of a local agent on this transport.
	AgentURL(agentID string) string

	// Send delivers req and blocks for the response.
	Send(ctx context.Context, senderID, address string, req *rpc.Request) (*rpc.Response, error)

	// SendAsync delivers req and returns; fn receives the reply later.
	SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error
}

// Invoker dispatches a request to a locally hosted agent. agent.Runtime
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, req *rpc.Request) (*rpc.Response, error)
}

// Dispatch invokes req on agentID and always returns a response: failures to
// reach the agent become error responses.
func Dispatch(ctx context.Context, inv Invoker, agentID string, req *rpc.Request) *rpc.Response {
	resp, err := inv.Invoke(ctx, agentID, req)
	if err != nil {
		return agent.ErrorResponse(req.ID(), err)
	}
	return resp
}

// DispatchBody decodes an inbound request body and dispatches it. Bodies that
// are not a valid request produce an error response carrying whatever id
// could be recovered.
func DispatchBody(ctx context.Context, inv Invoker, agentID string, body []byte) *rpc.Response {
	req, err := rpc.DecodeRequest(body)
	if err != nil {
		return rpc.NewErrorResponse(rpc.PeekID(body), rpc.ErrorFrom(err))
	}
	return Dispatch(ctx, inv, agentID, req)
}

// Scheme returns the part of address before the first ":", or "" when there
// is none.
func Scheme(address string) string {
	scheme, _, ok := strings.Cut(address, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
