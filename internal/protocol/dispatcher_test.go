package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	authenticated bool
	permissions   map[string]bool
}

func (s *fakeSession) SessionID() string   { return "sess-1" }
func (s *fakeSession) EntityID() string    { return "agent_001" }
func (s *fakeSession) EntityType() string  { return "agent" }
func (s *fakeSession) Authenticated() bool { return s.authenticated }
func (s *fakeSession) HasPermission(permission string) bool {
	if s.permissions["*"] {
		return true
	}
	return s.permissions[permission]
}

func newTestDispatcher() *Dispatcher {
	reg := NewRegistry()
	reg.Register(&Method{
		Name: "rpc.ping",
		Handler: func(ctx *Context, params json.RawMessage) (any, *Error) {
			return "pong", nil
		},
	})
	reg.Register(&Method{
		Name:         "gateway.getStats",
		RequiresAuth: true,
		Handler: func(ctx *Context, params json.RawMessage) (any, *Error) {
			return map[string]any{"ok": true}, nil
		},
	})
	reg.Register(&Method{
		Name:                "admin.generateToken",
		RequiresAuth:        true,
		RequiredPermissions: []string{"admin"},
		Handler: func(ctx *Context, params json.RawMessage) (any, *Error) {
			return "token", nil
		},
	})
	reg.Register(&Method{
		Name: "boom",
		Handler: func(ctx *Context, params json.RawMessage) (any, *Error) {
			panic("boom handler panics")
		},
	})
	return NewDispatcher(reg, NewRateLimiters(), zap.NewNop())
}

func TestPingNoAuth(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"rpc.ping","id":2}`)
	out := d.HandleFrame(ctx, raw)
	require.NotNil(t, out)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "pong", resp.Result)
	assert.Nil(t, resp.Error)
}

func TestNotificationProducesNoResponse(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"rpc.ping"}`)
	out := d.HandleFrame(ctx, raw)
	assert.Nil(t, out)
}

func TestUnauthorizedMethod(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"gateway.getStats","id":3}`)
	out := d.HandleFrame(ctx, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeAuthenticationError, resp.Error.Code)
}

func TestPermissionDenied(t *testing.T) {
	d := newTestDispatcher()
	session := &fakeSession{authenticated: true, permissions: map[string]bool{}}
	ctx := Background("conn-1", session, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"admin.generateToken","id":4}`)
	out := d.HandleFrame(ctx, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodePermissionDenied, resp.Error.Code)
}

func TestWildcardPermissionGrantsAccess(t *testing.T) {
	d := newTestDispatcher()
	session := &fakeSession{authenticated: true, permissions: map[string]bool{"*": true}}
	ctx := Background("conn-1", session, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"admin.generateToken","id":5}`)
	out := d.HandleFrame(ctx, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, "token", resp.Result)
}

func TestBatchIntegrity(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`[
		{"jsonrpc":"2.0","method":"rpc.ping","id":1},
		{"jsonrpc":"2.0","method":"rpc.ping"},
		{"jsonrpc":"2.0","method":"rpc.ping","id":"two"}
	]`)
	out := d.HandleFrame(ctx, raw)
	require.NotNil(t, out)

	var responses []Response
	require.NoError(t, json.Unmarshal(out, &responses))
	require.Len(t, responses, 2)

	ids := map[string]bool{}
	for _, r := range responses {
		ids[string(r.ID.Value)] = true
	}
	assert.True(t, ids["1"])
	assert.True(t, ids["\"two\""])
}

func TestMethodNotFound(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"nope","id":1}`)
	out := d.HandleFrame(ctx, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	out := d.HandleFrame(ctx, []byte(`not json`))
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	d := newTestDispatcher()
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"boom","id":1}`)
	out := d.HandleFrame(ctx, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestRateLimited(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Method{
		Name:      "limited",
		RateLimit: 1,
		Handler: func(ctx *Context, params json.RawMessage) (any, *Error) {
			return "ok", nil
		},
	})
	d := NewDispatcher(reg, NewRateLimiters(), zap.NewNop())
	ctx := Background("conn-1", nil, nil)

	raw := []byte(`{"jsonrpc":"2.0","method":"limited","id":1}`)
	first := d.HandleFrame(ctx, raw)
	var firstResp Response
	require.NoError(t, json.Unmarshal(first, &firstResp))
	assert.Nil(t, firstResp.Error)

	second := d.HandleFrame(ctx, raw)
	var secondResp Response
	require.NoError(t, json.Unmarshal(second, &secondResp))
	require.NotNil(t, secondResp.Error)
	assert.Equal(t, CodeRateLimited, secondResp.Error.Code)
}
