// ABOUTME: Handle binding an agent instance to its id, descriptor and persistent state
// ABOUTME: Tracks in-flight calls so a retired cached handle is torn down only when idle

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/store"
)

// ErrNoSender indicates outbound calls were made before a sender was set.
var ErrNoSender = errors.New("runtime has no sender")

// ErrNoScheduler indicates scheduling was requested without a scheduler.
var ErrNoScheduler = errors.New("runtime has no scheduler")

// Reuse says whether a handle outlives a single call.
type Reuse int

const (
	// SingleUse handles serve one call and are torn down afterwards.
	SingleUse Reuse = iota
	// Cached handles are kept by the runtime and shared between calls.
	Cached
)

func (r Reuse) String() string {
	if r == Cached {
		return "cached"
	}
	return "single-use"
}

// Sender delivers outbound calls of agents to any address.
type Sender interface {
	Send(ctx context.Context, senderID, address string, req *rpc.Request) (*rpc.Response, error)
	SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error
}

// Scheduler is the per-agent scheduling handle given to agents.
type Scheduler interface {
	After(delay time.Duration, req *rpc.Request) (string, error)
	Cron(expr string, req *rpc.Request) (string, error)
	Cancel(taskID string) bool
}

// Handle is the runtime association of an agent id with its instance,
// descriptor and state.
type Handle struct {
	id       string
	typ      *registeredType
	instance Agent
	state    store.State
	reuse    Reuse
	runtime  *Runtime

	mu       sync.Mutex
	inflight int
	retired  bool
	closed   bool
}

// ID returns the agent id.
func (h *Handle) ID() string {
	return h.id
}

// TypeName returns the agent type name.
func (h *Handle) TypeName() string {
	return h.typ.Name
}

// Descriptor returns the capability descriptor of the agent's type.
func (h *Handle) Descriptor() *rpc.Descriptor {
	return h.typ.desc
}

// Instance returns the agent instance.
func (h *Handle) Instance() Agent {
	return h.instance
}

// State returns the agent's persistent context.
func (h *Handle) State() store.State {
	return h.state
}

// Reuse reports whether the handle is cached.
func (h *Handle) Reuse() Reuse {
	return h.reuse
}

// Scheduler returns the agent's scheduling handle.
func (h *Handle) Scheduler() (Scheduler, error) {
	if h.runtime.scheduler == nil {
		return nil, ErrNoScheduler
	}
	return h.runtime.scheduler(h.id), nil
}

// Send calls address synchronously on behalf of this agent.
func (h *Handle) Send(ctx context.Context, address string, req *rpc.Request) (*rpc.Response, error) {
	s := h.runtime.Sender()
	if s == nil {
		return nil, ErrNoSender
	}
	return s.Send(ctx, h.id, address, req)
}

// SendAsync calls address on behalf of this agent; fn receives the reply.
func (h *Handle) SendAsync(ctx context.Context, address string, req *rpc.Request, fn callback.Func) error {
	s := h.runtime.Sender()
	if s == nil {
		return ErrNoSender
	}
	return s.SendAsync(ctx, h.id, address, req, fn)
}

// Call invokes method on address and decodes the result into result, which
// may be nil. An error response is returned as its *rpc.Error.
func (h *Handle) Call(ctx context.Context, address, method string, params map[string]any, result any) error {
	req, err := rpc.NewRequest(rpc.NewRequestID(), method, params)
	if err != nil {
		return err
	}
	resp, err := h.Send(ctx, address, req)
	if err != nil {
		return err
	}
	if result == nil {
		return resp.Err()
	}
	return resp.Decode(result)
}

// Invoke dispatches req on this handle's instance.
func (h *Handle) Invoke(ctx context.Context, req *rpc.Request) *rpc.Response {
	return rpc.Invoke(ctx, h.typ.desc, h.instance, req)
}

// Release ends one use of the handle. Single-use handles are torn down;
// cached handles flush their state, or are torn down if they were retired
// while in use.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.inflight > 0 {
		h.inflight--
	}
	teardown := h.reuse == SingleUse || (h.retired && h.inflight == 0)
	h.mu.Unlock()

	if teardown {
		return h.teardown(ctx)
	}
	if err := h.state.Flush(ctx); err != nil {
		return fmt.Errorf("flushing state of %s: %w", h.id, err)
	}
	return nil
}

func (h *Handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.inflight++
	return true
}

// retire marks a cached handle as no longer served by the cache.
func (h *Handle) retire(ctx context.Context) {
	h.mu.Lock()
	h.retired = true
	idle := h.inflight == 0
	h.mu.Unlock()

	if idle {
		if err := h.teardown(ctx); err != nil {
			h.runtime.logger.Warn("tearing down retired handle", "agent_id", h.id, "error", err)
		}
	}
}

// teardown destroys the instance and its state exactly once.
func (h *Handle) teardown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	agentErr := h.instance.Destroy(ctx)
	stateErr := h.state.Destroy(ctx)
	if errors.Is(stateErr, store.ErrNotFound) {
		// The agent was deleted; there is nothing left to flush into.
		stateErr = nil
	}
	h.runtime.logger.Debug("handle torn down",
		slog.String("agent_id", h.id),
		slog.String("reuse", h.reuse.String()),
	)
	return errors.Join(agentErr, stateErr)
}
