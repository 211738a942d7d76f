package rpcmethods_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/auth"
	"github.com/meshcore/controlplane/internal/eventrouter"
	"github.com/meshcore/controlplane/internal/gateway"
	"github.com/meshcore/controlplane/internal/presence"
	"github.com/meshcore/controlplane/internal/protocol"
	"github.com/meshcore/controlplane/internal/rpcmethods"
	"github.com/meshcore/controlplane/internal/work"
)

type stack struct {
	gw          *gateway.Gateway
	authMgr     *auth.Manager
	presence    *presence.Registry
	distributor *work.Distributor
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zap.NewNop()

	registry := protocol.NewRegistry()
	presenceReg := presence.New(presence.Config{}, logger)
	authMgr, err := auth.NewManager("test-issuer")
	require.NoError(t, err)

	distributor, err := work.New("test-node", logger, work.Config{
		AssignmentInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, distributor.Start())
	t.Cleanup(func() { _ = distributor.Stop() })

	gw := gateway.New(gateway.Config{
		Addr:              "127.0.0.1:0",
		OnAgentDisconnect: distributor.UnregisterAgent,
	}, logger,
		protocol.NewDispatcher(registry, protocol.NewRateLimiters(), logger),
		presenceReg, nil)

	router := eventrouter.New(gatewaySenderAdapter{gw}, logger)

	rpcmethods.Register(registry, rpcmethods.Deps{
		Auth:        authMgr,
		Presence:    presenceReg,
		Router:      router,
		Gateway:     gw,
		Distributor: distributor,
	})

	require.NoError(t, gw.Start())
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })

	return &stack{gw: gw, authMgr: authMgr, presence: presenceReg, distributor: distributor}
}

type gatewaySenderAdapter struct{ gw *gateway.Gateway }

func (a gatewaySenderAdapter) Send(connectionID string, message any) error {
	return a.gw.Send(context.Background(), connectionID, message)
}

func (s *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.gw.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) map[string]any {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))

	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func authenticate(t *testing.T, s *stack, conn *websocket.Conn, entityID, entityType string, permissions []string) {
	t.Helper()
	token, _, err := s.authMgr.GenerateToken(entityID, entityType, permissions, time.Hour)
	require.NoError(t, err)

	resp := call(t, conn, 1, "auth.authenticate", map[string]any{
		"token":       token,
		"entity_id":   entityID,
		"entity_type": entityType,
	})
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	require.Equal(t, true, result["success"])
	require.Equal(t, entityID, result["entity_id"])
}

func TestPingRequiresNoAuth(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	resp := call(t, conn, 1, "rpc.ping", nil)
	require.Equal(t, "pong", resp["result"])
}

func TestUnauthenticatedCallIsRejected(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	resp := call(t, conn, 1, "session.getInfo", nil)
	errObj := resp["error"].(map[string]any)
	require.EqualValues(t, protocol.CodeAuthenticationError, errObj["code"])
}

func TestAuthenticateThenSessionGetInfo(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	authenticate(t, s, conn, "agent-1", "agent", []string{"*"})

	resp := call(t, conn, 2, "session.getInfo", nil)
	result := resp["result"].(map[string]any)
	require.Equal(t, "agent-1", result["entity_id"])
	require.Equal(t, true, result["authenticated"])
}

func TestGenerateTokenRequiresAdminPermission(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	authenticate(t, s, conn, "user-1", "user", []string{"chat.send"})

	resp := call(t, conn, 2, "auth.generateToken", map[string]any{
		"entity_id":        "agent-2",
		"entity_type":      "agent",
		"permissions":      []string{"*"},
		"expires_in_hours": 1,
	})
	errObj := resp["error"].(map[string]any)
	require.EqualValues(t, protocol.CodePermissionDenied, errObj["code"])
}

func TestGenerateTokenSucceedsWithAdminPermission(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	authenticate(t, s, conn, "admin-1", "user", []string{"admin.generate_token"})

	resp := call(t, conn, 2, "auth.generateToken", map[string]any{
		"entity_id":        "agent-2",
		"entity_type":      "agent",
		"permissions":      []string{"chat.send"},
		"expires_in_hours": 2,
	})
	result := resp["result"].(map[string]any)
	require.NotEmpty(t, result["token"])
}

func TestChannelPublishDeliversToOtherSubscriberOnly(t *testing.T) {
	s := newStack(t)
	c1 := s.dial(t)
	c2 := s.dial(t)
	authenticate(t, s, c1, "agent-1", "agent", []string{"*"})
	authenticate(t, s, c2, "agent-2", "agent", []string{"*"})

	require.Equal(t, map[string]any{"success": true}, call(t, c1, 2, "channel.subscribe", map[string]any{"channel": "news"})["result"])
	require.Equal(t, map[string]any{"success": true}, call(t, c2, 2, "channel.subscribe", map[string]any{"channel": "news"})["result"])

	resp := call(t, c1, 3, "channel.publish", map[string]any{"channel": "news", "message": map[string]any{"body": "hello"}})
	require.Equal(t, map[string]any{"success": true}, resp["result"])

	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note map[string]any
	require.NoError(t, c2.ReadJSON(&note))
	require.Equal(t, "channel.message", note["method"])

	c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray map[string]any
	require.Error(t, c1.ReadJSON(&stray))
}

func TestAgentSendRoutesToBoundAgent(t *testing.T) {
	s := newStack(t)
	sender := s.dial(t)
	target := s.dial(t)
	authenticate(t, s, sender, "agent-1", "agent", []string{"*"})
	authenticate(t, s, target, "agent-2", "agent", []string{"*"})

	resp := call(t, sender, 2, "agent.send", map[string]any{"agent_id": "agent-2", "message": "hi"})
	require.Equal(t, map[string]any{"success": true}, resp["result"])

	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note map[string]any
	require.NoError(t, target.ReadJSON(&note))
	require.Equal(t, "agent.message", note["method"])
}

func TestTaskSubmitDispatchesAssignmentToAuthenticatedAgent(t *testing.T) {
	s := newStack(t)
	agentConn := s.dial(t)
	authenticate(t, s, agentConn, "worker-1", "agent", []string{"*"})

	submitterConn := s.dial(t)
	authenticate(t, s, submitterConn, "submitter-1", "user", []string{"*"})

	resp := call(t, submitterConn, 2, "task.submit", map[string]any{
		"task_type": "render",
		"payload":   map[string]any{"frame": 1},
		"priority":  "high",
	})
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	taskID, _ := result["task_id"].(string)
	require.NotEmpty(t, taskID)

	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note map[string]any
	require.NoError(t, agentConn.ReadJSON(&note))
	require.Equal(t, "task.assign", note["method"])
	params := note["params"].(map[string]any)
	require.Equal(t, taskID, params["task_id"])
}

func TestTaskCompleteRecordsResultForSubmitter(t *testing.T) {
	s := newStack(t)
	agentConn := s.dial(t)
	authenticate(t, s, agentConn, "worker-1", "agent", []string{"*"})

	submitterConn := s.dial(t)
	authenticate(t, s, submitterConn, "submitter-1", "user", []string{"*"})

	resp := call(t, submitterConn, 2, "task.submit", map[string]any{"task_type": "render"})
	taskID := resp["result"].(map[string]any)["task_id"].(string)

	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note map[string]any
	require.NoError(t, agentConn.ReadJSON(&note))

	completeResp := call(t, agentConn, 3, "task.complete", map[string]any{
		"task_id": taskID,
		"success": true,
		"result":  map[string]any{"frames_rendered": 1},
	})
	require.Equal(t, map[string]any{"success": true}, completeResp["result"])

	result, ok := s.distributor.Result(taskID)
	require.True(t, ok)
	require.True(t, result.Success)
	require.Equal(t, "worker-1", result.AgentID)
}

func TestAgentListReturnsOnlyOnlineAgents(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	authenticate(t, s, conn, "agent-1", "agent", []string{"*"})

	resp := call(t, conn, 2, "agent.list", nil)
	var raw []byte
	raw, _ = json.Marshal(resp["result"])
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	require.Equal(t, "agent-1", list[0]["EntityID"])
}
