// ABOUTME: Link is the network a messaging transport rides on; Hub is the in-process one
// ABOUTME: Hub delivers envelopes asynchronously between inboxes opened on it

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnreachable indicates no inbox is open for the destination.
var ErrUnreachable = errors.New("destination unreachable")

// Envelope is one message on a link.
type Envelope struct {
	// ID identifies the message on the link, for deduplication.
	ID   string
	From Address
	To   Address
	Body []byte
}

// DeliverFunc receives inbound envelopes of an open inbox.
type DeliverFunc func(ctx context.Context, env Envelope)

// Link carries envelopes between bare addresses.
type Link interface {
	// Open starts receiving messages for local.
	Open(ctx context.Context, local Address, deliver DeliverFunc) error
	// Close stops receiving messages for local.
	Close(local Address) error
	// Deliver sends env from env.From to env.To.
	Deliver(ctx context.Context, env Envelope) error
}

// Hub is an in-process Link shared by every transport attached to it,
// whatever their host.
type Hub struct {
	mu      sync.RWMutex
	inboxes map[string]DeliverFunc
	wg      sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{inboxes: make(map[string]DeliverFunc)}
}

// Open implements Link.
func (h *Hub) Open(_ context.Context, local Address, deliver DeliverFunc) error {
	key := local.Bare().String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.inboxes[key]; exists {
		return fmt.Errorf("inbox %s already open", key)
	}
	h.inboxes[key] = deliver
	return nil
}

// Close implements Link.
func (h *Hub) Close(local Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inboxes, local.Bare().String())
	return nil
}

// Deliver implements Link. The envelope is handed to the destination on its
// own goroutine.
func (h *Hub) Deliver(ctx context.Context, env Envelope) error {
	key := env.To.Bare().String()

	h.mu.RLock()
	deliver, ok := h.inboxes[key]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, key)
	}

	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		deliver(ctx, env)
	}()
	return nil
}

// Wait blocks until every delivery in flight has been handled.
func (h *Hub) Wait() {
	h.wg.Wait()
}
