package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher parses and routes JSON-RPC frames against a Registry,
// enforcing auth and permission gates before invoking handlers. It holds
// no connection state of its own — a fresh Context is supplied per call
// by the gateway, breaking what would otherwise be a cyclic import
// between the gateway and its handlers.
type Dispatcher struct {
	registry *Registry
	limiters *RateLimiters
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher bound to registry.
func NewDispatcher(registry *Registry, limiters *RateLimiters, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		limiters: limiters,
		logger:   logger.Named("protocol"),
	}
}

// HandleFrame decodes a single inbound WebSocket text frame — which may be
// one request/notification or a batch array of them — and returns the
// bytes to write back to the connection, or nil if nothing should be
// written (the frame was entirely notifications, or was itself a
// notification).
func (d *Dispatcher) HandleFrame(ctx *Context, raw []byte) []byte {
	trimmed := firstNonSpace(raw)

	if trimmed == '[' {
		return d.handleBatch(ctx, raw)
	}
	return d.handleSingle(ctx, raw)
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

func (d *Dispatcher) handleSingle(ctx *Context, raw []byte) []byte {
	req, parseErr := decodeRequest(raw)
	if parseErr != nil {
		resp := NewError(ID{}, parseErr)
		return mustMarshal(resp)
	}

	resp := d.dispatch(ctx, req)
	if resp == nil {
		// Notification: no response is ever written.
		return nil
	}
	return mustMarshal(resp)
}

func (d *Dispatcher) handleBatch(ctx *Context, raw []byte) []byte {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(raw, &rawItems); err != nil {
		return mustMarshal(NewError(ID{}, ErrParse(err.Error())))
	}
	if len(rawItems) == 0 {
		return mustMarshal(NewError(ID{}, ErrInvalidRequest("empty batch")))
	}

	responses := make([]*Response, 0, len(rawItems))
	for _, item := range rawItems {
		req, parseErr := decodeRequest(item)
		if parseErr != nil {
			responses = append(responses, NewError(ID{}, parseErr))
			continue
		}
		if resp := d.dispatch(ctx, req); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		// A batch made entirely of notifications: no response array at all.
		return nil
	}
	return mustMarshal(responses)
}

// decodeRequest parses and validates the structural shape of a single
// JSON-RPC request.
func decodeRequest(raw []byte) (Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, ErrParse(err.Error())
	}
	if req.JSONRPC != Version {
		return Request{}, ErrInvalidRequest(fmt.Sprintf("jsonrpc must be %q", Version))
	}
	if req.Method == "" {
		return Request{}, ErrInvalidRequest("method is required")
	}
	return req, nil
}

// dispatch routes a single decoded request to its handler, returning the
// response to write, or nil for notifications.
func (d *Dispatcher) dispatch(ctx *Context, req Request) *Response {
	method := d.registry.Lookup(req.Method)
	if method == nil {
		return respondOrNil(req, NewError(req.ID, ErrMethodNotFound(req.Method)))
	}

	if method.RequiresAuth && (ctx.Session == nil || !ctx.Session.Authenticated()) {
		return respondOrNil(req, NewError(req.ID, ErrAuthentication()))
	}

	if len(method.RequiredPermissions) > 0 {
		if ctx.Session == nil {
			return respondOrNil(req, NewError(req.ID, ErrAuthentication()))
		}
		for _, perm := range method.RequiredPermissions {
			if !ctx.Session.HasPermission(perm) {
				return respondOrNil(req, NewError(req.ID, ErrPermissionDenied(perm)))
			}
		}
	}

	if d.limiters != nil && !d.limiters.Allow(ctx.ConnectionID, method.Name, method.RateLimit) {
		return respondOrNil(req, NewError(req.ID, ErrRateLimited()))
	}

	result, rpcErr := d.invoke(ctx, method, req.Params)
	if rpcErr != nil {
		return respondOrNil(req, NewError(req.ID, rpcErr))
	}
	return respondOrNil(req, NewResult(req.ID, result))
}

// invoke calls the handler, recovering from panics so one misbehaving
// handler cannot take down the connection's read loop.
func (d *Dispatcher) invoke(ctx *Context, method *Method, params json.RawMessage) (result any, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("method", method.Name),
				zap.Any("recovered", r),
			)
			rpcErr = ErrInternal()
		}
	}()

	return method.Handler(ctx, params)
}

// respondOrNil suppresses the response entirely for notifications: no
// response is ever written for a request with no id.
func respondOrNil(req Request, resp *Response) *Response {
	if req.IsNotification() {
		return nil
	}
	return resp
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Our own types always marshal; a failure here is a programming
		// error in a Method's result type, not a runtime condition.
		panic(fmt.Sprintf("protocol: failed to marshal response: %v", err))
	}
	return b
}

// Forget releases connID's rate-limiter buckets. Call once the owning
// connection has closed.
func (d *Dispatcher) Forget(connID string) {
	if d.limiters != nil {
		d.limiters.Forget(connID)
	}
}

// Background is a convenience constructor for a Context carrying no
// connection-specific state, used by tests and by server-initiated calls
// that do not originate from a client frame.
func Background(connID string, session SessionView, sender Sender) *Context {
	return &Context{Context: context.Background(), ConnectionID: connID, Session: session, Gateway: sender}
}
