// ABOUTME: Echo agent type: returns what it receives and forwards calls to other agents
// ABOUTME: Single-use; exercises outbound sends through the agent's handle

package agents

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/rpc"
)

// Echo echoes messages and relays calls.
type Echo struct {
	agent.Base
}

// EchoType is the registration of Echo.
var EchoType = agent.Type{
	Name:        "echo",
	Description: "Echoes messages and relays calls to other agents",
	New:         func() agent.Agent { return &Echo{} },
	Operations: []rpc.Operation{
		{
			Name:        "echo",
			Description: "Returns the message unchanged",
			Params:      []rpc.Param{{Name: "message", Type: rpc.TypeString}},
			Result:      rpc.TypeString,
			Handler: rpc.Bind(func(_ context.Context, _ *Echo, args rpc.Args) (any, error) {
				return args.String("message"), nil
			}),
		},
		{
			Name:        "whoami",
			Description: "Returns the agent's id",
			Result:      rpc.TypeString,
			Handler: rpc.Bind(func(_ context.Context, e *Echo, _ rpc.Args) (any, error) {
				return e.Handle().ID(), nil
			}),
		},
		{
			Name:        "relay",
			Description: "Calls method on address with params and returns its result",
			Params: []rpc.Param{
				{Name: "address", Type: rpc.TypeString},
				{Name: "method", Type: rpc.TypeString},
				{Name: "params", Type: rpc.TypeObject, Optional: true},
			},
			Result: rpc.TypeAny,
			Handler: rpc.Bind(func(ctx context.Context, e *Echo, args rpc.Args) (any, error) {
				var params map[string]any
				if err := args.Decode("params", &params); err != nil {
					return nil, err
				}
				var result json.RawMessage
				if err := e.Handle().Call(ctx, args.String("address"), args.String("method"), params, &result); err != nil {
					return nil, err
				}
				return result, nil
			}),
		},
	},
}
