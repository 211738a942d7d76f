package gateway

import "time"

// Capabilities are advertised to every connection in its welcome
// notification, one tag per major feature surface this gateway exposes.
var Capabilities = []string{
	"jsonrpc_2.0",
	"event_streaming",
	"presence",
	"multi_agent",
	"channel_subscriptions",
}

// ServerVersion is stamped into every welcome notification's params.
const ServerVersion = "1.0.0"

type welcomeParams struct {
	ConnectionID string    `json:"connection_id"`
	ServerVersion string   `json:"server_version"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

// welcomeNotification is the JSON-RPC notification sent immediately after
// a connection is accepted.
type welcomeNotification struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  welcomeParams `json:"params"`
}

type heartbeatParams struct {
	Timestamp time.Time `json:"timestamp"`
}

// heartbeatNotification is sent every H seconds to connections that are
// still within the ping window, per the heartbeat wire shape.
type heartbeatNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  heartbeatParams `json:"params"`
}
