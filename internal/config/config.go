// Package config holds the typed configuration for the control plane
// daemon, bound from flags defaulting to environment variables —
// following the config struct and envOrDefault helper in
// server/cmd/server/main.go.
package config

import (
	"os"
	"time"
)

// Config is the full set of daemon-level settings bound by cmd/controlplaned.
type Config struct {
	// GatewayAddr is the WebSocket + admin (healthz/metrics) listen address.
	GatewayAddr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// DataDir holds the node's persisted raft state (bbolt file).
	DataDir string
	// NodeID identifies this node within its raft cluster.
	NodeID string
	// RaftAddr is the host:port this node's raft HTTP transport listens on.
	RaftAddr string
	// Peers lists the other nodes in the cluster as "id=host:port" entries.
	Peers []string
	// TokenIssuer is the JWT issuer string stamped into generated tokens.
	TokenIssuer string
	// TokenCleanupInterval is how often expired tokens are swept.
	TokenCleanupInterval time.Duration
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset. cmd/controlplaned overlays flags on top of
// this using the same envOrDefault pattern server/cmd/server/main.go uses.
func FromEnv() Config {
	return Config{
		GatewayAddr:          EnvOrDefault("CONTROLPLANE_GATEWAY_ADDR", ":8080"),
		LogLevel:             EnvOrDefault("CONTROLPLANE_LOG_LEVEL", "info"),
		DataDir:              EnvOrDefault("CONTROLPLANE_DATA_DIR", "./data"),
		NodeID:               EnvOrDefault("CONTROLPLANE_NODE_ID", "node-1"),
		RaftAddr:             EnvOrDefault("CONTROLPLANE_RAFT_ADDR", ":7000"),
		Peers:                splitNonEmpty(EnvOrDefault("CONTROLPLANE_PEERS", "")),
		TokenIssuer:          EnvOrDefault("CONTROLPLANE_TOKEN_ISSUER", "controlplane"),
		TokenCleanupInterval: 5 * time.Minute,
	}
}

// EnvOrDefault returns the environment variable named key, or defaultVal
// if it is unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
