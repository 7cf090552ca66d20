// Package rpc implements the request/response model, the capability
// descriptor and the dispatcher of the agent runtime.
//
// # Wire Format
//
// Requests and responses are JSON objects:
//
//	{"jsonrpc":"2.0","id":"1","method":"add","params":{"a":2,"b":3}}
//	{"jsonrpc":"2.0","id":"1","result":5}
//	{"jsonrpc":"2.0","id":"2","error":{"code":-32602,"message":"Required parameter 'b' missing"}}
//
// A payload is a request iff it has a "method" member and a response iff it
// has a "result" or "error" member. Decode validates the whole body before
// classifying it; anything else is a protocol error. Parameters are always
// named.
//
// # Capability Descriptor
//
// Agent types declare an explicit operation table:
//
//	ops := []rpc.Operation{{
//	    Name:    "add",
//	    Params:  []rpc.Param{{Name: "a", Type: rpc.TypeInt}, {Name: "b", Type: rpc.TypeInt}},
//	    Result:  rpc.TypeInt,
//	    Handler: rpc.Bind(func(ctx context.Context, c *Calc, args rpc.Args) (any, error) { ... }),
//	}}
//	desc := rpc.NewDescriptor("calc", ops)
//
// An operation is available when its access level is public, it is not
// hidden, and every parameter is named. Validate reports definition problems
// as strings without failing the build.
//
// # Dispatcher
//
// Invoke(ctx, desc, instance, req) never panics and always returns a response
// carrying req's ID:
//
//  1. Unknown or unavailable method: METHOD_NOT_FOUND
//  2. Missing required parameter or wrong JSON kind: INVALID_PARAMS
//  3. Handler failure: the *Error in the chain, or INTERNAL_ERROR
//  4. nil result: explicit null
package rpc
