// Package bus implements the Vargos service gateway: a typed frame protocol
// over persistent WebSocket connections, the hub that routes requests and
// fans out events between service clients, and the client base every
// service embeds.
package bus

import (
	"encoding/json"
	"fmt"
)

// FrameKind discriminates the wire frame types.
type FrameKind string

const (
	KindRequest  FrameKind = "request"
	KindResponse FrameKind = "response"
	KindEvent    FrameKind = "event"
	KindRegister FrameKind = "register"
)

// Frame is the single on-the-wire record. Exactly the fields for its Kind
// are populated; everything else stays zero and is omitted from JSON.
type Frame struct {
	Kind FrameKind `json:"kind"`

	// Request / Response.
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`

	// Event.
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Register.
	Service       string   `json:"service,omitempty"`
	Version       string   `json:"version,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Registration is a service client's self-description, sent on every
// (re)connect as the params of a gateway.register request.
type Registration struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// ErrorCode classifies an RPC failure at a service boundary.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "InvalidArgument"
	CodeNotFound        ErrorCode = "NotFound"
	CodeAlreadyExists   ErrorCode = "AlreadyExists"
	CodeNoRoute         ErrorCode = "NoRoute"
	CodeTimeout         ErrorCode = "Timeout"
	CodeDisconnected    ErrorCode = "Disconnected"
	CodeProviderFailure ErrorCode = "ProviderFailure"
	CodeFatal           ErrorCode = "Fatal"

	// CodeInternal covers handler errors that carry no classification of
	// their own. It never crosses a documented boundary contract.
	CodeInternal ErrorCode = "Internal"
)

// Error is an RPC error with a classified kind.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a classified error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a classified *Error, defaulting to
// CodeInternal for unclassified failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		return be
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// IsCode reports whether err is a bus error with the given code.
func IsCode(err error, code ErrorCode) bool {
	be, ok := err.(*Error)
	return ok && be.Code == code
}

// marshalParams encodes a params/payload value, passing raw JSON through.
func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
