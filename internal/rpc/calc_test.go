// ABOUTME: Shared agent fixtures for rpc package tests
// ABOUTME: Calc is a small arithmetic agent exercising every binding rule

package rpc

import (
	"context"
	"errors"
	"fmt"
)

type calc struct {
	calls int
}

var errDivByZero = errors.New("division by zero")

func calcOperations() []Operation {
	return []Operation{
		{
			Name:   "add",
			Params: []Param{{Name: "a", Type: TypeInt}, {Name: "b", Type: TypeInt}},
			Result: TypeInt,
			Handler: Bind(func(_ context.Context, c *calc, args Args) (any, error) {
				c.calls++
				return args.Int("a") + args.Int("b"), nil
			}),
		},
		{
			Name:   "divide",
			Params: []Param{{Name: "a", Type: TypeFloat}, {Name: "b", Type: TypeFloat}},
			Result: TypeFloat,
			Handler: Bind(func(_ context.Context, _ *calc, args Args) (any, error) {
				if args.Float("b") == 0 {
					return nil, fmt.Errorf("divide: %w", errDivByZero)
				}
				return args.Float("a") / args.Float("b"), nil
			}),
		},
		{
			Name:   "greet",
			Params: []Param{{Name: "name", Type: TypeString}, {Name: "title", Type: TypeString, Optional: true}},
			Result: TypeString,
			Handler: Bind(func(_ context.Context, _ *calc, args Args) (any, error) {
				if args.Has("title") {
					return "Hello " + args.String("title") + " " + args.String("name"), nil
				}
				return "Hello " + args.String("name"), nil
			}),
		},
		{
			Name:   "echo",
			Params: []Param{{Name: "params", Type: TypeRaw}},
			Result: TypeObject,
			Handler: func(_ context.Context, _ any, args Args) (any, error) {
				return args.Raw("params"), nil
			},
		},
		{
			Name:   "nothing",
			Result: TypeVoid,
			Handler: func(context.Context, any, Args) (any, error) {
				return nil, nil
			},
		},
		{
			Name:   "limit",
			Params: []Param{{Name: "n", Type: TypeInt, Optional: true}},
			Result: TypeInt,
			Handler: func(_ context.Context, _ any, args Args) (any, error) {
				return args.Int("n"), nil
			},
		},
		{
			Name:   "reject",
			Result: TypeVoid,
			Handler: func(context.Context, any, Args) (any, error) {
				return nil, fmt.Errorf("wrapped twice: %w", fmt.Errorf("inner: %w", NewError(CodeInvalidParams, "bad input")))
			},
		},
		{
			Name:   "explode",
			Result: TypeVoid,
			Handler: func(context.Context, any, Args) (any, error) {
				panic("boom")
			},
		},
		{
			Name:   "secret",
			Result: TypeString,
			Access: Access{Level: AccessPrivate},
			Handler: func(context.Context, any, Args) (any, error) {
				return "private", nil
			},
		},
		{
			Name:   "ghost",
			Result: TypeString,
			Access: Access{Hidden: true},
			Handler: func(context.Context, any, Args) (any, error) {
				return "hidden", nil
			},
		},
		{
			Name:   "retired",
			Result: TypeString,
			Access: Access{Level: AccessUnavailable},
			Handler: func(context.Context, any, Args) (any, error) {
				return "gone", nil
			},
		},
		{
			Name:   "anonymous",
			Params: []Param{{Type: TypeInt}},
			Result: TypeInt,
			Handler: func(context.Context, any, Args) (any, error) {
				return 1, nil
			},
		},
		{
			Name:   "admin",
			Result: TypeString,
			Access: Access{Roles: []string{"admin"}},
			Handler: func(context.Context, any, Args) (any, error) {
				return "ok", nil
			},
		},
	}
}

func calcDescriptor() *Descriptor {
	return NewDescriptor("calc", calcOperations())
}
