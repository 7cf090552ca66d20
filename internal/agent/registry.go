// ABOUTME: Registry of agent types and their capability descriptors
// ABOUTME: Descriptors are built once at registration and shared by every instance

package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/2389/coven-rpc/internal/rpc"
)

// ErrUnknownType indicates no agent type is registered under a name.
var ErrUnknownType = errors.New("unknown agent type")

// ErrTypeExists indicates a type name is registered twice.
var ErrTypeExists = errors.New("agent type already registered")

// ErrInvalidType indicates a type without a name or constructor.
var ErrInvalidType = errors.New("invalid agent type")

// Agent is an instance of an agent type. Init is called once the instance is
// bound to its handle; Destroy when the handle is retired.
type Agent interface {
	Init(ctx context.Context, h *Handle) error
	Destroy(ctx context.Context) error
}

// Type describes an agent type: how to build instances and what they can do.
type Type struct {
	Name        string
	Description string
	New         func() Agent
	// ThreadSafe types may serve concurrent calls from one cached instance.
	// Other types get a fresh instance per call.
	ThreadSafe bool
	Operations []rpc.Operation
}

// Base is embeddable into agent implementations that need no setup.
type Base struct {
	handle *Handle
}

// Init stores the handle.
func (b *Base) Init(_ context.Context, h *Handle) error {
	b.handle = h
	return nil
}

// Destroy does nothing.
func (b *Base) Destroy(context.Context) error {
	return nil
}

// Handle returns the handle passed to Init.
func (b *Base) Handle() *Handle {
	return b.handle
}

type registeredType struct {
	Type
	desc *rpc.Descriptor
}

// Registry maps type names to agent types. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*registeredType
}

// NewRegistry creates a registry holding types.
func NewRegistry(types ...Type) (*Registry, error) {
	r := &Registry{types: make(map[string]*registeredType)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a type and builds its descriptor.
func (r *Registry) Register(t Type) error {
	if t.Name == "" || t.New == nil {
		return fmt.Errorf("%w: name and constructor are required", ErrInvalidType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTypeExists, t.Name)
	}
	r.types[t.Name] = &registeredType{
		Type: t,
		desc: rpc.NewDescriptor(t.Name, t.Operations),
	}
	return nil
}

func (r *Registry) lookup(name string) (*registeredType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	t, err := r.lookup(name)
	if err != nil {
		return Type{}, false
	}
	return t.Type, true
}

// Descriptor returns the capability descriptor of a type.
func (r *Registry) Descriptor(name string) (*rpc.Descriptor, error) {
	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.desc, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}
