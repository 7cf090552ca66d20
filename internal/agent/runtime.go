// ABOUTME: Agent runtime: creates, caches and retires agent handles backed by the context store.
// ABOUTME: Only thread-safe types are cached; other types get one instance per call.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/store"
)

// ErrAgentNotFound indicates the agent has no stored context.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentExists indicates an agent with the same ID already exists.
var ErrAgentExists = errors.New("agent already exists")

// ErrRuntimeClosed indicates the runtime was closed.
var ErrRuntimeClosed = errors.New("runtime closed")

// DefaultCacheSize is the default number of cached handles.
const DefaultCacheSize = 10000

// Config contains the collaborators of a Runtime.
type Config struct {
	Store     store.Store
	Registry  *Registry
	CacheSize int
	Logger    *slog.Logger
	// Scheduler returns the scheduling handle of an agent. Optional.
	Scheduler func(agentID string) Scheduler
}

// Observer is told about agents created and deleted through the runtime.
// Calls happen after the store has been updated.
type Observer interface {
	AgentCreated(ctx context.Context, agentID, typeName string)
	AgentDeleted(ctx context.Context, agentID string)
}

// Runtime hosts agents: it materializes handles from stored contexts and
// dispatches requests to them. It is safe for concurrent use.
type Runtime struct {
	store     store.Store
	registry  *Registry
	logger    *slog.Logger
	scheduler func(agentID string) Scheduler

	// mu serializes cache population with deletes. A load that started
	// before a delete of the same id must not populate the cache.
	mu      sync.Mutex
	cache   *lru.Cache[string, *Handle]
	seq     uint64
	loading int
	deleted map[string]uint64

	sender   atomic.Pointer[senderBox]
	observer atomic.Pointer[observerBox]
	closed   atomic.Bool
}

type senderBox struct {
	s Sender
}

type observerBox struct {
	o Observer
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, errors.New("runtime requires a store and a registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}

	r := &Runtime{
		store:     cfg.Store,
		registry:  cfg.Registry,
		logger:    logger.With("component", "runtime"),
		scheduler: cfg.Scheduler,
		deleted:   make(map[string]uint64),
	}
	cache, err := lru.NewWithEvict(size, func(agentID string, h *Handle) {
		r.logger.Debug("handle evicted", "agent_id", agentID)
		h.retire(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("creating handle cache: %w", err)
	}
	r.cache = cache

	for _, name := range r.registry.Names() {
		desc, err := r.registry.Descriptor(name)
		if err != nil {
			continue
		}
		for _, problem := range desc.Validate() {
			r.logger.Warn("agent type definition problem", "type", name, "problem", problem)
		}
	}
	return r, nil
}

// SetSender installs the sender used for outbound calls of agents.
func (r *Runtime) SetSender(s Sender) {
	r.sender.Store(&senderBox{s: s})
}

// Sender returns the installed sender, or nil.
func (r *Runtime) Sender() Sender {
	if box := r.sender.Load(); box != nil {
		return box.s
	}
	return nil
}

// SetObserver installs the observer of creates and deletes.
func (r *Runtime) SetObserver(o Observer) {
	r.observer.Store(&observerBox{o: o})
}

func (r *Runtime) notify(fn func(Observer)) {
	if box := r.observer.Load(); box != nil && box.o != nil {
		fn(box.o)
	}
}

// Registry returns the type registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Get returns an acquired handle for agentID. The caller must Release it.
// Returns ErrAgentNotFound when the agent has no stored context.
func (r *Runtime) Get(ctx context.Context, agentID string) (*Handle, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	if h, ok := r.cache.Get(agentID); ok && h.acquire() {
		return h, nil
	}

	r.mu.Lock()
	started := r.seq
	r.loading++
	r.mu.Unlock()

	h, err := r.load(ctx, agentID)

	r.mu.Lock()
	r.loading--
	stale := r.deleted[agentID] > started
	if r.loading == 0 {
		clear(r.deleted)
	}
	var prev *Handle
	var had bool
	if err == nil && !stale && h.reuse == Cached {
		prev, had = r.cache.Peek(agentID)
		r.cache.Add(agentID, h)
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if stale {
		// Deleted while loading.
		if terr := h.teardown(ctx); terr != nil {
			r.logger.Warn("tearing down handle of deleted agent", "agent_id", agentID, "error", terr)
		}
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if had && prev != h {
		prev.retire(ctx)
	}
	return h, nil
}

func (r *Runtime) load(ctx context.Context, agentID string) (*Handle, error) {
	state, err := r.store.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}

	typ, err := r.registry.lookup(state.AgentType())
	if err != nil {
		state.Destroy(ctx)
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	reuse := SingleUse
	if typ.ThreadSafe {
		reuse = Cached
	}
	h := &Handle{
		id:       agentID,
		typ:      typ,
		instance: typ.New(),
		state:    state,
		reuse:    reuse,
		runtime:  r,
		inflight: 1,
	}
	if err := h.instance.Init(ctx, h); err != nil {
		state.Destroy(ctx)
		return nil, fmt.Errorf("initializing agent %s: %w", agentID, err)
	}

	r.logger.Debug("agent loaded",
		"agent_id", agentID,
		"type", typ.Name,
		"reuse", reuse.String(),
	)
	return h, nil
}

// Create allocates state for a new agent of typeName and returns its
// acquired handle. Returns ErrAgentExists when agentID is taken.
func (r *Runtime) Create(ctx context.Context, typeName, agentID string) (*Handle, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if _, err := r.registry.lookup(typeName); err != nil {
		return nil, err
	}

	state, err := r.store.Create(ctx, agentID)
	if errors.Is(err, store.ErrExists) {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating agent %s: %w", agentID, err)
	}
	state.SetAgentType(typeName)
	if err := state.Destroy(ctx); err != nil {
		return nil, fmt.Errorf("recording type of agent %s: %w", agentID, err)
	}

	h, err := r.Get(ctx, agentID)
	if err != nil {
		if derr := r.store.Delete(ctx, agentID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			r.logger.Warn("removing state of failed agent", "agent_id", agentID, "error", derr)
		}
		return nil, err
	}
	r.logger.Info("agent created", "agent_id", agentID, "type", typeName)
	r.notify(func(o Observer) { o.AgentCreated(ctx, agentID, typeName) })
	return h, nil
}

// Delete removes the agent's state and retires any cached handle. Loads of
// agentID that are in progress fail with ErrAgentNotFound.
func (r *Runtime) Delete(ctx context.Context, agentID string) error {
	err := r.store.Delete(ctx, agentID)

	r.mu.Lock()
	r.seq++
	if r.loading > 0 {
		r.deleted[agentID] = r.seq
	}
	r.cache.Remove(agentID)
	r.mu.Unlock()

	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", agentID, err)
	}

	r.logger.Info("agent deleted", "agent_id", agentID)
	r.notify(func(o Observer) { o.AgentDeleted(ctx, agentID) })
	return nil
}

// Exists reports whether agentID is hosted here.
func (r *Runtime) Exists(ctx context.Context, agentID string) (bool, error) {
	if r.cache.Contains(agentID) {
		return true, nil
	}
	return r.store.Exists(ctx, agentID)
}

// List returns the ids of every hosted agent.
func (r *Runtime) List(ctx context.Context) ([]string, error) {
	return r.store.List(ctx)
}

// Cached returns the number of cached handles.
func (r *Runtime) Cached() int {
	return r.cache.Len()
}

// Invoke dispatches req to the agent. Dispatch failures are carried in the
// response; the error is only set when no handle could be obtained, e.g.
// ErrAgentNotFound.
func (r *Runtime) Invoke(ctx context.Context, agentID string, req *rpc.Request) (*rpc.Response, error) {
	h, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	resp := h.Invoke(ctx, req)
	if err := h.Release(ctx); err != nil {
		r.logger.Warn("releasing handle",
			"agent_id", agentID,
			"method", req.Method(),
			"error", err,
		)
	}
	return resp, nil
}

// Describe lists the operations of a type.
func (r *Runtime) Describe(typeName string, structured bool) ([]any, error) {
	desc, err := r.registry.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	return desc.Describe(structured), nil
}

// DescribeAgent lists the operations of the agent's type.
func (r *Runtime) DescribeAgent(ctx context.Context, agentID string) (*rpc.Descriptor, error) {
	if h, ok := r.cache.Peek(agentID); ok {
		return h.Descriptor(), nil
	}
	state, err := r.store.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}
	defer state.Destroy(ctx)
	return r.registry.Descriptor(state.AgentType())
}

// Validate returns the definition problems of a type.
func (r *Runtime) Validate(typeName string) ([]string, error) {
	desc, err := r.registry.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	return desc.Validate(), nil
}

// Types returns the registered type names.
func (r *Runtime) Types() []string {
	return r.registry.Names()
}

// Close retires every cached handle. Later calls fail with ErrRuntimeClosed.
func (r *Runtime) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	r.cache.Purge()
	r.mu.Unlock()
	r.logger.Info("runtime closed")
	return nil
}

// ErrorResponse maps a failure to obtain a handle to an error response, so
// inbound transports can answer the caller.
func ErrorResponse(id rpc.ID, err error) *rpc.Response {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return rpc.NewErrorResponse(id, rpc.NewError(rpc.CodeAgentNotFound, err.Error()))
	default:
		return rpc.NewErrorResponse(id, rpc.ErrorFrom(err))
	}
}
