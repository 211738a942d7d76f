package rpcmethods

import "time"

type eventParams struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// channelMessageNotification is delivered to every subscriber of a
// channel when a client calls channel.publish.
type channelMessageNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  eventParams `json:"params"`
}

type agentMessageParams struct {
	From      string    `json:"from"`
	Message   any       `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// agentMessageNotification is delivered to an agent's bound connection
// when a client calls agent.send.
type agentMessageNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  agentMessageParams `json:"params"`
}

type taskAssignParams struct {
	UnitID  string         `json:"unit_id"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload"`
}

// taskAssignNotification is delivered to the agent a work unit is
// dispatched to, as the distributor's Dispatcher callback.
type taskAssignNotification struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  taskAssignParams `json:"params"`
}
