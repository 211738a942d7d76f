// Package protocol implements the JSON-RPC 2.0 request/response envelope
// and the method dispatcher used by the gateway. It has no knowledge of
// WebSocket transport — it only decodes bytes into requests and encodes
// results back into bytes, following the same separation of concerns kept
// between the websocket and api packages.
package protocol

import (
	"encoding/json"
	"errors"
)

// Version is the only JSON-RPC version this dispatcher accepts.
const Version = "2.0"

// ID carries a JSON-RPC request identifier, which may be a string, a
// number, or (for notifications) absent entirely. encoding/json does not
// let us distinguish "absent" from "null" with a plain any field reliably
// across round-trips, so ID tracks presence explicitly.
type ID struct {
	Value   json.RawMessage
	Present bool
}

// MarshalJSON writes the raw id value, or JSON null if the id was present
// but null.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.Present || id.Value == nil {
		return []byte("null"), nil
	}
	return id.Value, nil
}

// UnmarshalJSON captures the raw bytes for later re-emission without
// re-interpreting the id's type.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.Present = true
	id.Value = append(json.RawMessage(nil), data...)
	return nil
}

// Equal reports whether two ids carry the same raw value.
func (id ID) Equal(other ID) bool {
	return string(id.Value) == string(other.Value)
}

// Request is a single decoded JSON-RPC request or notification.
// It is a notification iff ID.Present is false.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must not receive a response.
func (r Request) IsNotification() bool {
	return !r.ID.Present
}

// Error is the JSON-RPC error object embedded in error responses.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so an *Error can be returned
// directly from a handler.
func (e *Error) Error() string {
	return e.Message
}

// Response is a single JSON-RPC response. Exactly one of Result or Error
// is set.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      ID     `json:"id"`
}

// NewResult builds a success response for the given request id.
func NewResult(id ID, result any) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

// NewError builds an error response for the given request id. id may be
// the zero value (null) when the request could not be parsed at all.
func NewError(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// Standard JSON-RPC and gateway-specific error codes.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternalError       = -32603
	CodeAuthenticationError = -32001
	CodePermissionDenied    = -32002
	CodeRateLimited         = -32003
)

// ErrParse builds the -32700 parse_error response error.
func ErrParse(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "parse_error: " + detail}
}

// ErrInvalidRequest builds the -32600 invalid_request response error.
func ErrInvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "invalid_request: " + detail}
}

// ErrMethodNotFound builds the -32601 method_not_found response error.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "method_not_found: " + method}
}

// ErrInvalidParams builds the -32602 invalid_params response error.
func ErrInvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid_params: " + detail}
}

// ErrInternal builds the -32603 internal_error response error. The
// underlying error is deliberately never included in Data — handler
// exceptions must not leak internal detail to clients.
func ErrInternal() *Error {
	return &Error{Code: CodeInternalError, Message: "internal_error"}
}

// ErrAuthentication builds the -32001 authentication_error response error.
func ErrAuthentication() *Error {
	return &Error{Code: CodeAuthenticationError, Message: "authentication_error: session missing or unauthenticated"}
}

// ErrPermissionDenied builds the -32002 permission_denied response error.
func ErrPermissionDenied(permission string) *Error {
	return &Error{Code: CodePermissionDenied, Message: "permission_denied: missing " + permission}
}

// ErrRateLimited builds the -32003 rate_limited response error.
func ErrRateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "rate_limited: method call rate exceeded"}
}

// ErrAsRPCError unwraps err into an *Error if it already is one, or wraps
// it as an opaque internal_error otherwise so no internal detail escapes.
func ErrAsRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ErrInternal()
}
