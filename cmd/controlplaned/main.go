package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/auth"
	"github.com/meshcore/controlplane/internal/config"
	"github.com/meshcore/controlplane/internal/eventrouter"
	"github.com/meshcore/controlplane/internal/gateway"
	"github.com/meshcore/controlplane/internal/metrics"
	"github.com/meshcore/controlplane/internal/presence"
	"github.com/meshcore/controlplane/internal/protocol"
	"github.com/meshcore/controlplane/internal/raft"
	"github.com/meshcore/controlplane/internal/raftstore"
	"github.com/meshcore/controlplane/internal/rpcmethods"
	"github.com/meshcore/controlplane/internal/work"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()

	root := &cobra.Command{
		Use:   "controlplaned",
		Short: "Control plane daemon — gateway, presence, routing, raft, and work distribution",
		Long: `controlplaned is the control-plane kernel that accepts agent and user
WebSocket connections, authenticates and tracks their presence, routes
messages and events between them, replicates its command log via Raft,
and distributes work units to agents by load and capability.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.GatewayAddr, "gateway-addr", config.EnvOrDefault("CONTROLPLANE_GATEWAY_ADDR", cfg.GatewayAddr), "WebSocket gateway + admin (healthz/metrics) listen address")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("CONTROLPLANE_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", config.EnvOrDefault("CONTROLPLANE_DATA_DIR", cfg.DataDir), "Directory for persisted raft state")
	root.PersistentFlags().StringVar(&cfg.NodeID, "node-id", config.EnvOrDefault("CONTROLPLANE_NODE_ID", cfg.NodeID), "This node's id within its raft cluster")
	root.PersistentFlags().StringVar(&cfg.RaftAddr, "raft-addr", config.EnvOrDefault("CONTROLPLANE_RAFT_ADDR", cfg.RaftAddr), "This node's raft RPC listen address")
	root.PersistentFlags().StringVar(&cfg.TokenIssuer, "token-issuer", config.EnvOrDefault("CONTROLPLANE_TOKEN_ISSUER", cfg.TokenIssuer), "JWT issuer string stamped into generated tokens")

	var peersFlag string
	root.PersistentFlags().StringVar(&peersFlag, "peers", config.EnvOrDefault("CONTROLPLANE_PEERS", strings.Join(cfg.Peers, ",")), `Other cluster nodes as "id=host:port", comma separated`)
	cobra.OnInitialize(func() {
		if peersFlag != "" {
			cfg.Peers = strings.Split(peersFlag, ",")
		}
	})

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("controlplaned %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting control plane",
		zap.String("version", version),
		zap.String("gateway_addr", cfg.GatewayAddr),
		zap.String("node_id", cfg.NodeID),
		zap.String("raft_addr", cfg.RaftAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Metrics ---
	collectors := metrics.New(prometheus.DefaultRegisterer)

	// --- 2. Presence registry ---
	presenceReg := presence.New(presence.Config{}, logger)
	presenceReg.Start()
	defer presenceReg.Stop()

	// --- 3. Auth manager ---
	authMgr, err := auth.NewManager(cfg.TokenIssuer)
	if err != nil {
		return fmt.Errorf("failed to initialize auth manager: %w", err)
	}
	authStopCh := make(chan struct{})
	go authMgr.CleanupLoop(cfg.TokenCleanupInterval, authStopCh)
	defer close(authStopCh)

	// --- 4. Protocol registry + dispatcher ---
	registry := protocol.NewRegistry()
	dispatcher := protocol.NewDispatcher(registry, protocol.NewRateLimiters(), logger)

	// --- 5. Work distributor (built before the gateway so its
	// UnregisterAgent method can be wired into gateway.Config as the
	// agent-disconnect callback below). ---
	distributor, err := work.New(cfg.NodeID, logger, work.Config{
		OnSubmit:   func() { collectors.TasksSubmitted.Inc() },
		OnComplete: func(outcome string) { collectors.TasksCompleted.WithLabelValues(outcome).Inc() },
	})
	if err != nil {
		return fmt.Errorf("failed to create work distributor: %w", err)
	}
	if err := distributor.Start(); err != nil {
		return fmt.Errorf("failed to start work distributor: %w", err)
	}
	defer func() {
		if err := distributor.Stop(); err != nil {
			logger.Warn("work distributor shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Gateway + event router (router needs a Sender that closes
	// over the gateway, so the gateway is built first with a nil router
	// and patched — gateway.New only stores the pointer it's given, so we
	// build the router afterward and hand it a thin adapter instead). ---
	gw := gateway.New(gateway.Config{
		Addr:              cfg.GatewayAddr,
		OnAgentDisconnect: distributor.UnregisterAgent,
	}, logger, dispatcher, presenceReg, nil)
	router := eventrouter.New(gatewaySenderAdapter{gw}, logger)
	gw.AttachRouter(router)

	// --- 7. Raft node ---
	store, err := buildRaftStore(cfg.DataDir, cfg.NodeID, logger)
	if err != nil {
		return fmt.Errorf("failed to open raft store: %w", err)
	}
	defer store.Close()

	peerIDs, peerAddrs := parsePeers(cfg.Peers)
	transport := raft.NewHTTPTransport(peerAddrs, logger)

	node, err := raft.NewNode(raft.Config{
		NodeID:    cfg.NodeID,
		Peers:     peerIDs,
		Transport: transport,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to construct raft node: %w", err)
	}
	transport.Bind(node)
	node.Start()
	defer node.Stop()

	metricsStopCh := make(chan struct{})
	go pollRaftMetrics(node, collectors, metricsStopCh)
	defer close(metricsStopCh)

	// --- 8. RPC methods ---
	rpcmethods.Register(registry, rpcmethods.Deps{
		Auth:        authMgr,
		Presence:    presenceReg,
		Router:      router,
		Gateway:     gw,
		Distributor: distributor,
	})

	// --- 9. Gateway HTTP server ---
	if err := gw.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	logger.Info("gateway listening", zap.String("addr", gw.Addr()))

	// --- 10. Raft transport HTTP server ---
	raftSrv := &http.Server{Addr: cfg.RaftAddr, Handler: transport.Handler()}
	go func() {
		logger.Info("raft transport listening", zap.String("addr", cfg.RaftAddr))
		if err := raftSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("raft transport server error", zap.Error(err))
			cancel()
		}
	}()

	connMetricsStopCh := make(chan struct{})
	go pollConnectionMetrics(gw, collectors, connMetricsStopCh)
	defer close(connMetricsStopCh)

	<-ctx.Done()
	logger.Info("shutting down control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway graceful shutdown error", zap.Error(err))
	}
	if err := raftSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("raft transport graceful shutdown error", zap.Error(err))
	}

	logger.Info("control plane stopped")
	return nil
}

// gatewaySenderAdapter adapts *gateway.Gateway's context-carrying Send to
// eventrouter.Sender's simpler signature.
type gatewaySenderAdapter struct{ gw *gateway.Gateway }

func (a gatewaySenderAdapter) Send(connectionID string, message any) error {
	return a.gw.Send(context.Background(), connectionID, message)
}

// pollRaftMetrics periodically samples the node's term and role into the
// raft gauges until stopCh closes.
func pollRaftMetrics(node *raft.Node, collectors *metrics.Collectors, stopCh <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := node.Status()
			collectors.ObserveRaftState(status.Term, status.State.String())
		case <-stopCh:
			return
		}
	}
}

// pollConnectionMetrics periodically samples the gateway's live
// connection count into the connections_active gauge until stopCh closes.
func pollConnectionMetrics(gw *gateway.Gateway, collectors *metrics.Collectors, stopCh <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			collectors.ConnectionsActive.Set(float64(gw.ConnectedCount()))
		case <-stopCh:
			return
		}
	}
}

// buildRaftStore opens a bbolt-backed store under dataDir, falling back
// to an in-memory store when dataDir is empty (used by tests and
// single-shot local runs that don't want a file left behind).
func buildRaftStore(dataDir, nodeID string, logger *zap.Logger) (raftstore.Store, error) {
	if dataDir == "" {
		logger.Warn("no data dir configured — raft state will not survive a restart")
		return raftstore.NewMemoryStore(), nil
	}
	return raftstore.NewBoltStore(dataDir)
}

// parsePeers splits "id=host:port" entries into a peer id list and an id
// to address map for the HTTP transport.
func parsePeers(entries []string) ([]string, map[string]string) {
	ids := make([]string, 0, len(entries))
	addrs := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		ids = append(ids, parts[0])
		addrs[parts[0]] = parts[1]
	}
	return ids, addrs
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
