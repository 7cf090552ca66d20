// ABOUTME: Correlates asynchronous replies with the calls that issued them.
// ABOUTME: Every pending continuation resolves exactly once: by reply, cancel, timeout or clear.

package callback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/coven-rpc/internal/rpc"
)

// ErrDuplicateID indicates a call with the same id is already pending.
var ErrDuplicateID = errors.New("duplicate call id")

// ErrUnknownID indicates a reply whose id matches no pending call.
var ErrUnknownID = errors.New("unknown call id")

// ErrEmptyID indicates a call without an id, which cannot be correlated.
var ErrEmptyID = errors.New("call id is required")

// ErrTimeout is passed to continuations whose reply did not arrive in time.
var ErrTimeout = errors.New("callback timed out")

// ErrCancelled is passed to continuations cancelled with Cancel.
var ErrCancelled = errors.New("callback cancelled")

// Func is the continuation of an asynchronous call. On a reply it receives the
// response (which may itself carry an rpc error) and a nil error; on local
// failure (timeout, disconnect, send error) it receives a nil response and the
// failure.
type Func func(resp *rpc.Response, err error)

type entry struct {
	fn    Func
	timer *time.Timer
}

// Queue maps call ids to pending continuations. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*entry
	timeout time.Duration
}

// Option configures a Queue or a single Push.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout fails the continuation with ErrTimeout when no reply arrives
// within d. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewQueue creates an empty queue. A WithTimeout option sets the default
// timeout of every pushed call.
func NewQueue(opts ...Option) *Queue {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue{
		pending: make(map[string]*entry),
		timeout: o.timeout,
	}
}

// Push registers fn under id.
func (q *Queue) Push(id rpc.ID, fn Func, opts ...Option) error {
	if id.IsZero() {
		return ErrEmptyID
	}
	o := options{timeout: q.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	key := id.String()
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, key)
	}
	e := &entry{fn: fn}
	if o.timeout > 0 {
		e.timer = time.AfterFunc(o.timeout, func() {
			q.expire(key, e)
		})
	}
	q.pending[key] = e
	return nil
}

// Pull removes and returns the continuation pending under id. Under
// concurrent pulls of the same id exactly one caller gets it.
func (q *Queue) Pull(id rpc.ID) (Func, bool) {
	q.mu.Lock()
	e, ok := q.pending[id.String()]
	if ok {
		delete(q.pending, id.String())
	}
	q.mu.Unlock()

	if !ok {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.fn, true
}

// Resolve hands resp to the continuation pending under resp.ID. It returns
// ErrUnknownID, without resolving anything, when no call matches.
func (q *Queue) Resolve(resp *rpc.Response) error {
	fn, ok := q.Pull(resp.ID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownID, resp.ID.String())
	}
	fn(resp, nil)
	return nil
}

// Fail resolves the continuation pending under id with err, e.g. when the
// send itself failed after Push.
func (q *Queue) Fail(id rpc.ID, err error) bool {
	fn, ok := q.Pull(id)
	if ok {
		fn(nil, err)
	}
	return ok
}

// Cancel drops the continuation pending under id, failing it with
// ErrCancelled.
func (q *Queue) Cancel(id rpc.ID) bool {
	return q.Fail(id, ErrCancelled)
}

// Len returns the number of pending calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear fails every pending continuation with err.
func (q *Queue) Clear(err error) int {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]*entry)
	q.mu.Unlock()

	for _, e := range pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.fn(nil, err)
	}
	return len(pending)
}

// expire fails e if it is still the entry pending under key.
func (q *Queue) expire(key string, e *entry) {
	q.mu.Lock()
	current, ok := q.pending[key]
	if !ok || current != e {
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	q.mu.Unlock()

	e.fn(nil, ErrTimeout)
}
