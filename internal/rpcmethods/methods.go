package rpcmethods

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshcore/controlplane/internal/presence"
	"github.com/meshcore/controlplane/internal/protocol"
	"github.com/meshcore/controlplane/internal/work"
)

// Register binds every required core method (per the §4.2 method table)
// into registry, closing over deps.
func Register(registry *protocol.Registry, deps Deps) {
	deps = deps.withDefaults()

	registry.Register(&protocol.Method{
		Name:    "rpc.ping",
		Handler: handlePing,
	})
	registry.Register(&protocol.Method{
		Name:    "auth.authenticate",
		Handler: deps.handleAuthenticate,
	})
	registry.Register(&protocol.Method{
		Name:                "auth.generateToken",
		Handler:             deps.handleGenerateToken,
		RequiresAuth:        true,
		RequiredPermissions: []string{deps.AdminPermission},
	})
	registry.Register(&protocol.Method{
		Name:         "session.getInfo",
		Handler:      deps.handleSessionGetInfo,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:         "presence.update",
		Handler:      deps.handlePresenceUpdate,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:    "presence.get",
		Handler: deps.handlePresenceGet,
	})
	registry.Register(&protocol.Method{
		Name:         "channel.subscribe",
		Handler:      deps.handleChannelSubscribe,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:         "channel.unsubscribe",
		Handler:      deps.handleChannelUnsubscribe,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:         "channel.publish",
		Handler:      deps.handleChannelPublish,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:         "agent.send",
		Handler:      deps.handleAgentSend,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:    "agent.list",
		Handler: deps.handleAgentList,
	})
	registry.Register(&protocol.Method{
		Name:         "task.submit",
		Handler:      deps.handleTaskSubmit,
		RequiresAuth: true,
	})
	registry.Register(&protocol.Method{
		Name:         "task.complete",
		Handler:      deps.handleTaskComplete,
		RequiresAuth: true,
	})
}

func decodeParams(raw json.RawMessage, out any) *protocol.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.ErrInvalidParams(err.Error())
	}
	return nil
}

func handlePing(ctx *protocol.Context, params json.RawMessage) (any, *protocol.Error) {
	return "pong", nil
}

type authenticateParams struct {
	Token        string         `json:"token"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
}

// handleAuthenticate validates token via AuthManager; on success it
// creates a Session bound to the caller's connection, registers
// Presence, and — for entity-type agent — registers the agent's direct
// route so agent.send can reach it.
func (d Deps) handleAuthenticate(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p authenticateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, protocol.ErrInvalidParams("token is required")
	}

	record, verr := d.Auth.Validate(p.Token)
	if verr != nil {
		return nil, protocol.ErrAuthentication()
	}

	entityID := p.EntityID
	if entityID == "" {
		entityID = record.EntityID
	}
	entityType := p.EntityType
	if entityType == "" {
		entityType = record.EntityType
	}

	caps := make([]presence.Capability, 0, len(p.Capabilities))
	for _, name := range p.Capabilities {
		caps = append(caps, presence.Capability{Name: name, Priority: 0})
	}
	d.Presence.Register(entityID, presence.EntityType(entityType), presence.StatusOnline, caps, p.Metadata)

	sess := d.Presence.CreateSession(entityID, presence.EntityType(entityType), ctx.ConnectionID, p.Metadata)
	if _, err := d.Presence.AuthenticateSession(sess.SessionID, record.Permissions); err != nil {
		return nil, protocol.ErrInternal()
	}

	if presence.EntityType(entityType) == presence.EntityAgent {
		d.Router.RouteAgent(entityID, ctx.ConnectionID)
		d.Distributor.RegisterAgent(entityID, p.Capabilities, d.dispatchTaskAssign)
	}

	d.Gateway.BindSession(ctx.ConnectionID, presence.View{Session: sess})

	return map[string]any{
		"success":     true,
		"session_id":  sess.SessionID,
		"entity_id":   entityID,
		"entity_type": entityType,
	}, nil
}

type generateTokenParams struct {
	EntityID       string   `json:"entity_id"`
	EntityType     string   `json:"entity_type"`
	Permissions    []string `json:"permissions"`
	ExpiresInHours float64  `json:"expires_in_hours"`
}

func (d Deps) handleGenerateToken(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p generateTokenParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.EntityID == "" || p.EntityType == "" {
		return nil, protocol.ErrInvalidParams("entity_id and entity_type are required")
	}
	if p.ExpiresInHours <= 0 {
		p.ExpiresInHours = 24
	}

	expiresIn := time.Duration(p.ExpiresInHours * float64(time.Hour))
	token, _, err := d.Auth.GenerateToken(p.EntityID, p.EntityType, p.Permissions, expiresIn)
	if err != nil {
		return nil, protocol.ErrInternal()
	}

	return map[string]any{
		"token":            token,
		"expires_in_hours": p.ExpiresInHours,
	}, nil
}

func (d Deps) handleSessionGetInfo(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	sess, ok := d.Presence.GetSession(ctx.Session.SessionID())
	if !ok {
		return nil, protocol.ErrInternal()
	}
	return map[string]any{
		"session_id":    sess.SessionID,
		"entity_id":     sess.EntityID,
		"entity_type":   sess.EntityType,
		"connection_id": sess.ConnectionID,
		"created_at":    sess.CreatedAt,
		"last_activity": sess.LastActivity,
		"authenticated": sess.Authenticated,
	}, nil
}

type presenceUpdateParams struct {
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Activity      string `json:"activity"`
}

func (d Deps) handlePresenceUpdate(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p presenceUpdateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, protocol.ErrInvalidParams("status is required")
	}

	if _, ok := d.Presence.Update(ctx.Session.EntityID(), presence.Status(p.Status), p.StatusMessage, p.Activity); !ok {
		return nil, protocol.ErrInternal()
	}
	return map[string]any{"success": true}, nil
}

type presenceGetParams struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

func (d Deps) handlePresenceGet(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p presenceGetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	if p.EntityID != "" {
		info, ok := d.Presence.Get(p.EntityID)
		if !ok {
			return nil, protocol.ErrInvalidParams("unknown entity_id: " + p.EntityID)
		}
		return info, nil
	}
	return d.Presence.List(presence.EntityType(p.EntityType)), nil
}

type channelParams struct {
	Channel string `json:"channel"`
}

func (d Deps) handleChannelSubscribe(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p channelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, protocol.ErrInvalidParams("channel is required")
	}
	d.Router.Subscribe(p.Channel, ctx.ConnectionID)
	return map[string]any{"success": true}, nil
}

func (d Deps) handleChannelUnsubscribe(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p channelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, protocol.ErrInvalidParams("channel is required")
	}
	d.Router.Unsubscribe(p.Channel, ctx.ConnectionID)
	return map[string]any{"success": true}, nil
}

type channelPublishParams struct {
	Channel string `json:"channel"`
	Message any    `json:"message"`
}

func (d Deps) handleChannelPublish(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p channelPublishParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, protocol.ErrInvalidParams("channel is required")
	}

	note := channelMessageNotification{
		JSONRPC: protocol.Version,
		Method:  "channel.message",
		Params: eventParams{
			Type:      "message",
			Data:      p.Message,
			Source:    ctx.Session.EntityID(),
			Timestamp: time.Now(),
		},
	}
	d.Router.Publish(p.Channel, "message", p.Message, note)
	return map[string]any{"success": true}, nil
}

type agentSendParams struct {
	AgentID string `json:"agent_id"`
	Message any    `json:"message"`
}

func (d Deps) handleAgentSend(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p agentSendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, protocol.ErrInvalidParams("agent_id is required")
	}

	note := agentMessageNotification{
		JSONRPC: protocol.Version,
		Method:  "agent.message",
		Params: agentMessageParams{
			From:      ctx.Session.EntityID(),
			Message:   p.Message,
			Timestamp: time.Now(),
		},
	}
	ok := d.Router.RouteToAgent(p.AgentID, note)
	return map[string]any{"success": ok}, nil
}

func (d Deps) handleAgentList(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	all := d.Presence.List(presence.EntityAgent)
	online := make([]presence.Info, 0, len(all))
	for _, info := range all {
		if info.Status != presence.StatusOffline {
			online = append(online, info)
		}
	}
	return online, nil
}

// dispatchTaskAssign is the work.Dispatcher installed for every agent that
// authenticates with entity_type "agent" — it delivers the work unit as a
// task.assign notification over the agent's own bound connection.
func (d Deps) dispatchTaskAssign(agentID string, unit work.WorkUnit) error {
	note := taskAssignNotification{
		JSONRPC: protocol.Version,
		Method:  "task.assign",
		Params: taskAssignParams{
			UnitID:  unit.UnitID,
			TaskID:  unit.TaskID,
			Payload: unit.Payload,
		},
	}
	if !d.Router.RouteToAgent(agentID, note) {
		return fmt.Errorf("rpcmethods: agent %s has no live route", agentID)
	}
	return nil
}

type taskRequirementsParams struct {
	Capabilities         []string `json:"capabilities"`
	MinMemoryMB          float64  `json:"min_memory_mb"`
	MinCPUCores          float64  `json:"min_cpu_cores"`
	MinGPUMemoryMB       float64  `json:"min_gpu_memory_mb"`
	EstimatedDurationSec float64  `json:"estimated_duration_sec"`
	Dependencies         []string `json:"dependencies"`
	ExclusiveAgent       bool     `json:"exclusive_agent"`
}

type taskSubmitParams struct {
	TaskType     string                 `json:"task_type"`
	Payload      map[string]any         `json:"payload"`
	Priority     string                 `json:"priority"`
	Requirements taskRequirementsParams `json:"requirements"`
	Tags         []string               `json:"tags"`
}

func parsePriority(name string) work.Priority {
	switch name {
	case "critical":
		return work.PriorityCritical
	case "high":
		return work.PriorityHigh
	case "low":
		return work.PriorityLow
	case "background":
		return work.PriorityBackground
	default:
		return work.PriorityNormal
	}
}

func (d Deps) handleTaskSubmit(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p taskSubmitParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TaskType == "" {
		return nil, protocol.ErrInvalidParams("task_type is required")
	}

	requirements := work.Requirements{
		Capabilities:         p.Requirements.Capabilities,
		MinMemoryMB:          p.Requirements.MinMemoryMB,
		MinCPUCores:          p.Requirements.MinCPUCores,
		MinGPUMemoryMB:       p.Requirements.MinGPUMemoryMB,
		EstimatedDurationSec: p.Requirements.EstimatedDurationSec,
		Dependencies:         p.Requirements.Dependencies,
		ExclusiveAgent:       p.Requirements.ExclusiveAgent,
	}
	taskID := d.Distributor.SubmitTask(p.TaskType, p.Payload, parsePriority(p.Priority), requirements, p.Tags)

	return map[string]any{"task_id": taskID}, nil
}

type taskCompleteParams struct {
	TaskID           string             `json:"task_id"`
	Success          bool               `json:"success"`
	Result           any                `json:"result"`
	Err              string             `json:"error"`
	ExecutionTimeSec float64            `json:"execution_time_sec"`
	ResourceUsage    map[string]float64 `json:"resource_usage"`
}

// handleTaskComplete is called by the agent that was dispatched a task's
// work unit to report its outcome back to the distributor.
func (d Deps) handleTaskComplete(ctx *protocol.Context, raw json.RawMessage) (any, *protocol.Error) {
	var p taskCompleteParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, protocol.ErrInvalidParams("task_id is required")
	}

	d.Distributor.HandleResult(work.Result{
		TaskID:           p.TaskID,
		AgentID:          ctx.Session.EntityID(),
		Success:          p.Success,
		Result:           p.Result,
		Err:              p.Err,
		ExecutionTimeSec: p.ExecutionTimeSec,
		ResourceUsage:    p.ResourceUsage,
	})
	return map[string]any{"success": true}, nil
}
