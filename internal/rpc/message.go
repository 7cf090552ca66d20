// ABOUTME: Wire-agnostic request and response types with their JSON encoding
// ABOUTME: Requests are immutable after construction; responses carry result xor error

package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// Version is the protocol version emitted in the jsonrpc member.
const Version = "2.0"

// nullResult is the explicit JSON null used for nil results.
var nullResult = json.RawMessage("null")

// ID is an opaque call identifier: a JSON string, a JSON number, or absent.
type ID struct {
	value any // string, json.Number or nil
}

// StringID returns an ID holding s.
func StringID(s string) ID {
	return ID{value: s}
}

// NumberID returns an ID holding n.
func NumberID(n int64) ID {
	return ID{value: json.Number(fmt.Sprint(n))}
}

// NewRequestID returns a fresh random string ID.
func NewRequestID() ID {
	return StringID(uuid.New().String())
}

// IsZero reports whether the ID is absent.
func (id ID) IsZero() bool {
	return id.value == nil
}

// String returns the canonical text of the ID used as a correlation key.
func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		id.value = nil
	case string, json.Number:
		id.value = v
	default:
		return fmt.Errorf("id must be a string or number, got %T", v)
	}
	return nil
}

// Request is a call of a named operation with a bag of named parameters.
type Request struct {
	id     ID
	method string
	params map[string]json.RawMessage
}

// NewRequest builds a request, encoding every parameter value once.
func NewRequest(id ID, method string, params map[string]any) (*Request, error) {
	encoded := make(map[string]json.RawMessage, len(params))
	for name, value := range params {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding parameter %q: %w", name, err)
		}
		encoded[name] = raw
	}
	return &Request{id: id, method: method, params: encoded}, nil
}

// NewRawRequest builds a request from already encoded parameters.
func NewRawRequest(id ID, method string, params map[string]json.RawMessage) *Request {
	return &Request{id: id, method: method, params: maps.Clone(params)}
}

// ID returns the call identifier.
func (r *Request) ID() ID {
	return r.id
}

// Method returns the requested operation name.
func (r *Request) Method() string {
	return r.method
}

// Params returns a copy of the encoded parameter bag.
func (r *Request) Params() map[string]json.RawMessage {
	return maps.Clone(r.params)
}

// Param returns the encoded value of one parameter.
func (r *Request) Param(name string) (json.RawMessage, bool) {
	raw, ok := r.params[name]
	return raw, ok
}

// WithID returns a copy of the request carrying a different call identifier.
func (r *Request) WithID(id ID) *Request {
	return &Request{id: id, method: r.method, params: r.params}
}

type wireRequest struct {
	JSONRPC string                     `json:"jsonrpc"`
	ID      ID                         `json:"id"`
	Method  string                     `json:"method"`
	Params  map[string]json.RawMessage `json:"params"`
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	params := r.params
	if params == nil {
		params = map[string]json.RawMessage{}
	}
	return json.Marshal(wireRequest{
		JSONRPC: Version,
		ID:      r.id,
		Method:  r.method,
		Params:  params,
	})
}

// String returns the JSON encoding of the request.
func (r *Request) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("<invalid request: %v>", err)
	}
	return string(data)
}

// Response is the outcome of a request: exactly one of Result or Error.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// NewResponse encodes result into a successful response. A nil result is
// encoded as an explicit JSON null.
func NewResponse(id ID, result any) (*Response, error) {
	if result == nil {
		return &Response{ID: id, Result: nullResult}, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		if len(raw) == 0 {
			raw = nullResult
		}
		return &Response{ID: id, Result: raw}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// Err returns the response error as a Go error, or nil on success.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Decode unmarshals the result into target. It returns the response error
// when the response is a failure.
func (r *Response) Decode(target any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, target)
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireError struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Error   *Error `json:"error"`
}

// MarshalJSON implements json.Marshaler. Successful responses always carry a
// result member, even when it is null.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(wireError{JSONRPC: Version, ID: r.ID, Error: r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = nullResult
	}
	return json.Marshal(wireResult{JSONRPC: Version, ID: r.ID, Result: result})
}

// String returns the JSON encoding of the response.
func (r *Response) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("<invalid response: %v>", err)
	}
	return string(data)
}
