// ABOUTME: Calc agent type: stateless arithmetic used for smoke tests and demos
// ABOUTME: Thread-safe, so one cached instance serves every call

package agents

import (
	"context"
	"math"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/rpc"
)

// Calc adds, multiplies and divides numbers.
type Calc struct {
	agent.Base
}

// CalcType is the registration of Calc.
var CalcType = agent.Type{
	Name:        "calc",
	Description: "Integer and floating point arithmetic",
	ThreadSafe:  true,
	New:         func() agent.Agent { return &Calc{} },
	Operations: []rpc.Operation{
		{
			Name:        "add",
			Description: "Sum of two integers",
			Params:      []rpc.Param{{Name: "a", Type: rpc.TypeInt}, {Name: "b", Type: rpc.TypeInt}},
			Result:      rpc.TypeInt,
			Handler: rpc.Bind(func(_ context.Context, _ *Calc, args rpc.Args) (any, error) {
				return args.Int("a") + args.Int("b"), nil
			}),
		},
		{
			Name:        "multiply",
			Description: "Product of two numbers",
			Params:      []rpc.Param{{Name: "a", Type: rpc.TypeFloat}, {Name: "b", Type: rpc.TypeFloat}},
			Result:      rpc.TypeFloat,
			Handler: rpc.Bind(func(_ context.Context, _ *Calc, args rpc.Args) (any, error) {
				return args.Float("a") * args.Float("b"), nil
			}),
		},
		{
			Name:        "divide",
			Description: "Quotient of two numbers",
			Params:      []rpc.Param{{Name: "a", Type: rpc.TypeFloat}, {Name: "b", Type: rpc.TypeFloat}},
			Result:      rpc.TypeFloat,
			Handler: rpc.Bind(func(_ context.Context, _ *Calc, args rpc.Args) (any, error) {
				if args.Float("b") == 0 {
					return nil, rpc.NewError(rpc.CodeInvalidParams, "division by zero")
				}
				return args.Float("a") / args.Float("b"), nil
			}),
		},
		{
			Name:        "sum",
			Description: "Sum of every numeric parameter",
			Params:      []rpc.Param{{Name: "values", Type: rpc.TypeRaw}},
			Result:      rpc.TypeFloat,
			Handler: rpc.Bind(func(_ context.Context, _ *Calc, args rpc.Args) (any, error) {
				var bag map[string]any
				if err := args.Decode("values", &bag); err != nil {
					return nil, err
				}
				var total float64
				for _, v := range bag {
					if f, ok := v.(float64); ok && !math.IsNaN(f) {
						total += f
					}
				}
				return total, nil
			}),
		},
	},
}
