// ABOUTME: Parameter binding from a request's parameter bag to declared operation params
// ABOUTME: Args gives handlers typed access to values that were validated during binding

package rpc

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/tidwall/gjson"
)

// Args holds the bound arguments of one call. Values were checked against the
// declared semantic types, so the typed accessors do not fail; they return the
// zero value for absent or null arguments.
type Args struct {
	values map[string]json.RawMessage
}

// NewArgs builds Args directly from encoded values, bypassing binding.
func NewArgs(values map[string]json.RawMessage) Args {
	return Args{values: values}
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// IsNull reports whether the argument is absent or an explicit null.
func (a Args) IsNull(name string) bool {
	raw, ok := a.values[name]
	return !ok || gjson.ParseBytes(raw).Type == gjson.Null
}

// Raw returns the encoded argument.
func (a Args) Raw(name string) json.RawMessage {
	return a.values[name]
}

// String returns a string argument.
func (a Args) String(name string) string {
	return a.get(name).String()
}

// Int returns an integer argument.
func (a Args) Int(name string) int64 {
	return a.get(name).Int()
}

// Integer returns an argument declared with a looser type as an integer.
// Values that are not integral numbers fail with INVALID_PARAMS.
func (a Args) Integer(name string) (int64, error) {
	v := a.get(name)
	if v.Type != gjson.Number || !isIntegral(v.Raw) {
		return 0, Errorf(CodeInvalidParams, "Parameter '%s' expects Int, got %s", name, kindOf(v))
	}
	return v.Int(), nil
}

// Float returns a numeric argument.
func (a Args) Float(name string) float64 {
	return a.get(name).Float()
}

// Bool returns a boolean argument.
func (a Args) Bool(name string) bool {
	return a.get(name).Bool()
}

// Object returns an object argument.
func (a Args) Object(name string) map[string]any {
	m, _ := a.Value(name).(map[string]any)
	return m
}

// Array returns an array argument.
func (a Args) Array(name string) []any {
	s, _ := a.Value(name).([]any)
	return s
}

// Value returns the argument decoded into plain Go values.
func (a Args) Value(name string) any {
	raw, ok := a.values[name]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Decode unmarshals the argument into target. Absent arguments leave target
// untouched.
func (a Args) Decode(name string, target any) error {
	raw, ok := a.values[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return Errorf(CodeInvalidParams, "parameter '%s': %v", name, err)
	}
	return nil
}

func (a Args) get(name string) gjson.Result {
	raw, ok := a.values[name]
	if !ok {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

// bindArgs matches the request's parameter bag against the declared params in
// declaration order.
func bindArgs(op Operation, req *Request) (Args, *Error) {
	if op.rawPassthrough() {
		bag := req.params
		if bag == nil {
			bag = map[string]json.RawMessage{}
		}
		raw, err := json.Marshal(bag)
		if err != nil {
			return Args{}, Errorf(CodeInvalidParams, "encoding parameters: %v", err)
		}
		return Args{values: map[string]json.RawMessage{op.Params[0].Name: raw}}, nil
	}

	values := make(map[string]json.RawMessage, len(op.Params))
	for _, p := range op.Params {
		raw, ok := req.params[p.Name]
		if !ok {
			if !p.Optional {
				return Args{}, Errorf(CodeInvalidParams, "Required parameter '%s' missing", p.Name)
			}
			if p.Type.IsPrimitive() {
				return Args{}, Errorf(CodeInvalidParams,
					"Parameter '%s' cannot be both optional and a primitive type (%s)", p.Name, p.Type)
			}
			continue
		}
		if err := coerce(p, raw); err != nil {
			return Args{}, err
		}
		values[p.Name] = raw
	}
	return Args{values: values}, nil
}

// coerce checks that raw is acceptable for the parameter's semantic type.
func coerce(p Param, raw json.RawMessage) *Error {
	v := gjson.ParseBytes(raw)
	if v.Type == gjson.Null {
		if p.Type.IsPrimitive() {
			return Errorf(CodeInvalidParams, "Parameter '%s' of type %s cannot be null", p.Name, p.Type)
		}
		return nil
	}

	ok := true
	switch p.Type {
	case TypeString:
		ok = v.Type == gjson.String
	case TypeInt:
		ok = v.Type == gjson.Number && isIntegral(v.Raw)
	case TypeFloat:
		ok = v.Type == gjson.Number
	case TypeBool:
		ok = v.Type == gjson.True || v.Type == gjson.False
	case TypeObject:
		ok = v.IsObject()
	case TypeArray:
		ok = v.IsArray()
	}
	if !ok {
		return Errorf(CodeInvalidParams, "Parameter '%s' expects %s, got %s", p.Name, p.Type, kindOf(v))
	}
	return nil
}

// isIntegral accepts integer literals and floating literals with no
// fractional part that fit in an int64.
func isIntegral(num string) bool {
	if _, err := strconv.ParseInt(num, 10, 64); err == nil {
		return true
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return false
	}
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

func kindOf(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	}
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	default:
		return "null"
	}
}
