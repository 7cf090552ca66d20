// ABOUTME: Counter agent type: keeps named counters in its persistent context
// ABOUTME: Thread-safe; increments are serialized by the instance's own lock

package agents

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/store"
)

// Counter keeps counters in its context.
type Counter struct {
	agent.Base
	mu sync.Mutex
}

func (c *Counter) add(name string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.Handle().State()
	var n int64
	if _, err := store.Load(st, "counter:"+name, &n); err != nil {
		return 0, err
	}
	n += delta
	return n, st.Put("counter:"+name, n)
}

func (c *Counter) get(name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	_, err := store.Load(c.Handle().State(), "counter:"+name, &n)
	return n, err
}

func counterName(args rpc.Args) string {
	if args.Has("name") && args.String("name") != "" {
		return args.String("name")
	}
	return "default"
}

// CounterType is the registration of Counter.
var CounterType = agent.Type{
	Name:        "counter",
	Description: "Named persistent counters",
	ThreadSafe:  true,
	New:         func() agent.Agent { return &Counter{} },
	Operations: []rpc.Operation{
		{
			Name:        "increment",
			Description: "Adds by (default 1) to the counter and returns the new value",
			Params: []rpc.Param{
				{Name: "name", Type: rpc.TypeString, Optional: true},
				{Name: "by", Type: rpc.TypeAny, Optional: true},
			},
			Result: rpc.TypeInt,
			Handler: rpc.Bind(func(_ context.Context, c *Counter, args rpc.Args) (any, error) {
				by := int64(1)
				if !args.IsNull("by") {
					var err error
					if by, err = args.Integer("by"); err != nil {
						return nil, err
					}
				}
				return c.add(counterName(args), by)
			}),
		},
		{
			Name:        "get",
			Description: "Returns the counter value",
			Params:      []rpc.Param{{Name: "name", Type: rpc.TypeString, Optional: true}},
			Result:      rpc.TypeInt,
			Handler: rpc.Bind(func(_ context.Context, c *Counter, args rpc.Args) (any, error) {
				return c.get(counterName(args))
			}),
		},
		{
			Name:        "reset",
			Description: "Removes the counter",
			Params:      []rpc.Param{{Name: "name", Type: rpc.TypeString, Optional: true}},
			Result:      rpc.TypeVoid,
			Handler: rpc.Bind(func(_ context.Context, c *Counter, args rpc.Args) (any, error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.Handle().State().Delete("counter:" + counterName(args))
				return nil, nil
			}),
		},
		{
			Name:        "tickLater",
			Description: "Schedules an increment after delay_ms milliseconds and returns the task id",
			Params: []rpc.Param{
				{Name: "delay_ms", Type: rpc.TypeInt},
				{Name: "name", Type: rpc.TypeString, Optional: true},
			},
			Result: rpc.TypeString,
			Handler: rpc.Bind(func(_ context.Context, c *Counter, args rpc.Args) (any, error) {
				sched, err := c.Handle().Scheduler()
				if err != nil {
					return nil, err
				}
				req, err := rpc.NewRequest(rpc.NewRequestID(), "increment", map[string]any{"name": counterName(args)})
				if err != nil {
					return nil, err
				}
				return sched.After(time.Duration(args.Int("delay_ms"))*time.Millisecond, req)
			}),
		},
	},
}
