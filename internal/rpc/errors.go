// ABOUTME: Closed error taxonomy for RPC responses and local failures
// ABOUTME: Error implements error so it can travel through wrap chains and back out

package rpc

import (
	"errors"
	"fmt"
)

// Code is a JSON-RPC error code from the closed taxonomy below.
type Code int

// Error codes. The first five are the standard JSON-RPC codes; the last two
// live in the implementation-defined server range.
const (
	CodeParseError          Code = -32700
	CodeInvalidRequest      Code = -32600
	CodeMethodNotFound      Code = -32601
	CodeInvalidParams       Code = -32602
	CodeInternalError       Code = -32603
	CodeAgentNotFound       Code = -32004
	CodeProtocolUnsupported Code = -32005
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeParseError:
		return "PARSE_ERROR"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeMethodNotFound:
		return "METHOD_NOT_FOUND"
	case CodeInvalidParams:
		return "INVALID_PARAMS"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeAgentNotFound:
		return "AGENT_NOT_FOUND"
	case CodeProtocolUnsupported:
		return "PROTOCOL_UNSUPPORTED"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error is the error member of a response. It is also returned as a Go error
// by handlers that want a specific code to reach the caller.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewError creates an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, rpc.NewError(rpc.CodeMethodNotFound, "")) matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// AsError returns the first *Error found in err's wrap chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr, true
	}
	return nil, false
}

// ErrorFrom converts an arbitrary failure into an *Error. An *Error anywhere
// in the chain is reused verbatim; anything else becomes INTERNAL_ERROR
// carrying the failure's message, or its cause's message when the failure
// itself has none.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := AsError(err); ok {
		return rpcErr
	}
	msg := err.Error()
	if msg == "" {
		if cause := errors.Unwrap(err); cause != nil {
			msg = cause.Error()
		}
	}
	return NewError(CodeInternalError, msg)
}
