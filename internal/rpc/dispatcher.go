// ABOUTME: Dispatcher that executes a request against an agent instance's descriptor
// ABOUTME: Every failure, including panics, is returned as an error response

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Invoke resolves req against desc, binds its parameters, runs the handler on
// instance and packages the outcome. The response always carries req's ID and
// Invoke never panics.
func Invoke(ctx context.Context, desc *Descriptor, instance any, req *Request) (resp *Response) {
	id := req.ID()
	defer func() {
		if r := recover(); r != nil {
			resp = NewErrorResponse(id, panicError(r))
		}
	}()

	op, ok := desc.Lookup(req.Method())
	if !ok {
		return NewErrorResponse(id, Errorf(CodeMethodNotFound, "Method '%s' not found", req.Method()))
	}
	if !op.Access.permits(ctx) {
		return NewErrorResponse(id, Errorf(CodeInvalidRequest, "caller may not invoke '%s'", op.Name))
	}
	if op.Handler == nil {
		return NewErrorResponse(id, Errorf(CodeInternalError, "Method '%s' has no handler", op.Name))
	}

	args, bindErr := bindArgs(op, req)
	if bindErr != nil {
		return NewErrorResponse(id, bindErr)
	}

	result, err := op.Handler(ctx, instance, args)
	if err != nil {
		return NewErrorResponse(id, ErrorFrom(err))
	}

	resp, err = NewResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, ErrorFrom(err))
	}
	return resp
}

func panicError(r any) *Error {
	switch v := r.(type) {
	case *Error:
		return v
	case error:
		return ErrorFrom(v)
	default:
		return Errorf(CodeInternalError, "%v", v)
	}
}

// Bind adapts a handler written against a concrete agent type. A call on an
// instance of another type fails with INTERNAL_ERROR.
func Bind[T any](fn func(ctx context.Context, instance T, args Args) (any, error)) Handler {
	return func(ctx context.Context, instance any, args Args) (any, error) {
		typed, ok := instance.(T)
		if !ok {
			var want T
			return nil, Errorf(CodeInternalError, "handler expects %T, got %T", want, instance)
		}
		return fn(ctx, typed, args)
	}
}

// RequestFor builds a request for op from positional arguments, one per
// declared parameter. Nil or missing arguments are left out of the parameter
// bag, which is an error for required parameters.
func RequestFor(id ID, op Operation, args ...any) (*Request, error) {
	params := make(map[string]json.RawMessage, len(op.Params))
	for i, p := range op.Params {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		if arg == nil {
			if !p.Optional {
				return nil, fmt.Errorf("required parameter %d of operation '%s' is nil", i, op.Name)
			}
			continue
		}
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d of operation '%s' has no name", i, op.Name)
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding parameter '%s': %w", p.Name, err)
		}
		params[p.Name] = raw
	}
	if len(args) > len(op.Params) {
		return nil, fmt.Errorf("operation '%s' takes %d arguments, got %d", op.Name, len(op.Params), len(args))
	}
	return &Request{id: id, method: op.Name, params: params}, nil
}
