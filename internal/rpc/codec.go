// ABOUTME: Strict decoding and classification of wire payloads
// ABOUTME: A payload is a request iff it has "method", a response iff it has "result" or "error"

package rpc

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Message is a decoded payload: exactly one of Request or Response is set.
type Message struct {
	Request  *Request
	Response *Response
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m != nil && m.Request != nil
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m != nil && m.Response != nil
}

// Decode parses a wire payload. The whole body must be valid JSON before any
// classification happens; malformed bodies yield PARSE_ERROR and bodies that
// are neither a request nor a response yield INVALID_REQUEST. The returned
// error is always an *Error.
func Decode(body []byte) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, NewError(CodeParseError, "payload is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, NewError(CodeInvalidRequest, "payload is not a JSON object")
	}

	id, err := decodeID(root.Get("id"))
	if err != nil {
		return nil, err
	}

	method := root.Get("method")
	result := root.Get("result")
	errField := root.Get("error")
	isRequest := method.Exists()
	isResponse := result.Exists() || errField.Exists()

	switch {
	case isRequest && isResponse:
		return nil, NewError(CodeInvalidRequest, "payload is both a request and a response")
	case isRequest:
		req, err := decodeRequest(id, method, root.Get("params"))
		if err != nil {
			return nil, err
		}
		return &Message{Request: req}, nil
	case isResponse:
		resp, err := decodeResponse(id, result, errField)
		if err != nil {
			return nil, err
		}
		return &Message{Response: resp}, nil
	default:
		return nil, NewError(CodeInvalidRequest, "payload does not contain a valid request or response")
	}
}

// DecodeRequest parses a payload that must be a request.
func DecodeRequest(body []byte) (*Request, error) {
	msg, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if !msg.IsRequest() {
		return nil, NewError(CodeInvalidRequest, "payload is not a request")
	}
	return msg.Request, nil
}

// DecodeResponse parses a payload that must be a response.
func DecodeResponse(body []byte) (*Response, error) {
	msg, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if !msg.IsResponse() {
		return nil, NewError(CodeInvalidRequest, "payload is not a response")
	}
	return msg.Response, nil
}

// PeekID extracts the id of a payload on a best effort basis, so that error
// replies to rejected payloads can still be correlated.
func PeekID(body []byte) ID {
	if !gjson.ValidBytes(body) {
		return ID{}
	}
	id, err := decodeID(gjson.GetBytes(body, "id"))
	if err != nil {
		return ID{}
	}
	return id
}

func decodeID(v gjson.Result) (ID, error) {
	switch v.Type {
	case gjson.Null:
		return ID{}, nil
	case gjson.String:
		return StringID(v.Str), nil
	case gjson.Number:
		return ID{value: json.Number(v.Raw)}, nil
	default:
		return ID{}, NewError(CodeInvalidRequest, "id must be a string or a number")
	}
}

func decodeRequest(id ID, method, params gjson.Result) (*Request, error) {
	if method.Type != gjson.String || method.Str == "" {
		return nil, NewError(CodeInvalidRequest, "method must be a non-empty string")
	}

	bag := make(map[string]json.RawMessage)
	switch {
	case !params.Exists() || params.Type == gjson.Null:
	case params.IsObject():
		params.ForEach(func(key, value gjson.Result) bool {
			bag[key.String()] = json.RawMessage(value.Raw)
			return true
		})
	default:
		return nil, NewError(CodeInvalidRequest, "params must be a JSON object of named parameters")
	}

	return &Request{id: id, method: method.Str, params: bag}, nil
}

func decodeResponse(id ID, result, errField gjson.Result) (*Response, error) {
	hasError := errField.Exists() && errField.Type != gjson.Null
	if hasError {
		if !errField.IsObject() {
			return nil, NewError(CodeInvalidRequest, "error must be a JSON object")
		}
		var rpcErr Error
		if err := json.Unmarshal([]byte(errField.Raw), &rpcErr); err != nil {
			return nil, Errorf(CodeInvalidRequest, "decoding error member: %v", err)
		}
		if result.Exists() && result.Type != gjson.Null {
			return nil, NewError(CodeInvalidRequest, "response carries both result and error")
		}
		return NewErrorResponse(id, &rpcErr), nil
	}

	raw := nullResult
	if result.Exists() {
		raw = json.RawMessage(result.Raw)
	}
	return &Response{ID: id, Result: raw}, nil
}
