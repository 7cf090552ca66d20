// ABOUTME: Declarative operation metadata used to build capability descriptors
// ABOUTME: Agent types list their operations explicitly; nothing is discovered by reflection

package rpc

import (
	"context"
	"slices"
)

// Type is the semantic type of a parameter or result.
type Type int

const (
	TypeAny Type = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeObject
	TypeArray
	// TypeRaw is a raw structured value. An operation whose only parameter is
	// TypeRaw receives the whole parameter bag.
	TypeRaw
	// TypeVoid is only meaningful as a result type.
	TypeVoid
)

// String returns the name used in describe listings.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeInt:
		return "Int"
	case TypeFloat:
		return "Float"
	case TypeBool:
		return "Bool"
	case TypeObject:
		return "Object"
	case TypeArray:
		return "Array"
	case TypeRaw:
		return "Raw"
	case TypeVoid:
		return "void"
	default:
		return "Any"
	}
}

// IsPrimitive reports whether the type is non-nullable.
func (t Type) IsPrimitive() bool {
	return t == TypeInt || t == TypeFloat || t == TypeBool
}

// Param describes one named parameter. Parameters are required unless
// Optional is set.
type Param struct {
	Name     string
	Type     Type
	Optional bool
}

// AccessLevel controls whether an operation is reachable over RPC.
type AccessLevel int

const (
	AccessPublic AccessLevel = iota
	AccessPrivate
	AccessUnavailable
)

func (l AccessLevel) String() string {
	switch l {
	case AccessPrivate:
		return "private"
	case AccessUnavailable:
		return "unavailable"
	default:
		return "public"
	}
}

// Access is the access-control metadata of an operation. The zero value is a
// public, visible operation open to every caller.
type Access struct {
	Level  AccessLevel
	Hidden bool
	// Roles, when non-empty, restricts the operation to callers carrying at
	// least one of these roles. Calls without caller identity are not restricted.
	Roles []string
}

// Handler executes an operation on an agent instance.
type Handler func(ctx context.Context, instance any, args Args) (any, error)

// Operation is one entry of an agent type's capability table.
type Operation struct {
	Name        string
	Description string
	Params      []Param
	Result      Type
	Access      Access
	Handler     Handler
}

// Available reports whether the operation may be invoked over RPC. Unnamed
// operations never are.
func (op Operation) Available() bool {
	return op.Name != "" && op.visible() && op.namedParams()
}

func (op Operation) visible() bool {
	return op.Access.Level == AccessPublic && !op.Access.Hidden
}

func (op Operation) namedParams() bool {
	for _, p := range op.Params {
		if p.Name == "" {
			return false
		}
	}
	return true
}

// rawPassthrough reports whether the whole parameter bag is handed to the
// single raw parameter.
func (op Operation) rawPassthrough() bool {
	return len(op.Params) == 1 && op.Params[0].Type == TypeRaw
}

type callerKey struct{}

// Caller identifies whoever issued a request, when a transport knows it.
type Caller struct {
	Subject string
	Roles   []string
}

// WithCaller attaches caller identity to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func (a Access) permits(ctx context.Context) bool {
	if len(a.Roles) == 0 {
		return true
	}
	caller, ok := CallerFrom(ctx)
	if !ok {
		return true
	}
	for _, r := range caller.Roles {
		if slices.Contains(a.Roles, r) {
			return true
		}
	}
	return false
}
