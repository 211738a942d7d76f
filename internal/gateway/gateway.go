// Package gateway accepts WebSocket connections, drives each connection's
// read/write pumps, and hands inbound frames to a protocol.Dispatcher —
// pushing notifications back out over the same bidirectional JSON-RPC
// channel. It generalizes the server-push-only hub/client pair in
// server/internal/websocket to a connection that reads as well as writes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/eventrouter"
	"github.com/meshcore/controlplane/internal/presence"
	"github.com/meshcore/controlplane/internal/protocol"
)

// ErrBind is returned by Start when the listen address cannot be bound.
var ErrBind = errors.New("gateway: bind failed")

// ErrConnectionClosed is returned by Send/RouteToEntity when the target
// connection is unknown or no longer writable.
var ErrConnectionClosed = errors.New("gateway: connection closed")

// Config bundles the gateway's listening address and the heartbeat/
// backpressure/frame-size policy knobs, all with sensible defaults.
type Config struct {
	// Addr is the host:port to bind for both the WebSocket upgrade
	// endpoint and the /healthz, /metrics admin surface.
	Addr string
	// HeartbeatInterval is H: how often the gateway pings connections that
	// have been active recently. Default 30s.
	HeartbeatInterval time.Duration
	// ConnectionTimeout is the idle duration (default 2H = 60s) past which
	// a connection is closed with reason "timeout".
	ConnectionTimeout time.Duration
	// OutboundQueueSize bounds each connection's outbound message queue.
	// Default 1024; overflow closes the connection as "slow_consumer".
	OutboundQueueSize int
	// MaxFrameBytes bounds inbound frame size. Default 10 MiB.
	MaxFrameBytes int64
	// OnAgentDisconnect, if set, is called once per agent-typed session
	// removed by disconnect — lets an embedding caller release resources
	// keyed by entity id (e.g. a work distributor's agent registration)
	// without this package importing anything outside gateway/presence.
	OnAgentDisconnect func(entityID string)
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 2 * 30 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 10 << 20
	}
	return c
}

// Gateway accepts WebSocket connections and implements protocol.Sender so
// dispatcher handlers can push notifications back without depending on the
// gateway's concrete type.
type Gateway struct {
	cfg        Config
	logger     *zap.Logger
	dispatcher *protocol.Dispatcher
	presence   *presence.Registry
	router     *eventrouter.Router
	upgrader   websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu          sync.RWMutex
	connections map[string]*Connection

	stopCh chan struct{}
}

// New creates an idle Gateway. Call Start to begin accepting connections.
func New(cfg Config, logger *zap.Logger, dispatcher *protocol.Dispatcher, presenceReg *presence.Registry, router *eventrouter.Router) *Gateway {
	return &Gateway{
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("gateway"),
		dispatcher: dispatcher,
		presence:   presenceReg,
		router:     router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connections: make(map[string]*Connection),
		stopCh:      make(chan struct{}),
	}
}

// Start binds Addr and begins accepting connections in the background.
// Accept errors other than shutdown are logged and do not stop the server;
// a failure to bind the listening address returns ErrBind immediately.
func (g *Gateway) Start() error {
	mux := chi.NewRouter()
	mux.Get("/ws", g.handleWS)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	g.listener = ln
	g.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server exited", zap.Error(err))
		}
	}()

	go g.heartbeatLoop()
	return nil
}

// AttachRouter wires router in after construction, for callers that need
// a Sender closing over this Gateway to build the router (New itself
// cannot supply a router that depends on the Gateway it configures).
// Must be called before Start.
func (g *Gateway) AttachRouter(router *eventrouter.Router) {
	g.router = router
}

// Addr returns the address actually bound by Start, useful when Config.Addr
// requested an ephemeral port (":0").
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop closes every live connection and shuts down the admin HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	close(g.stopCh)

	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		g.disconnect(c, "shutdown")
	}

	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := newConnection(id, conn, g.cfg.OutboundQueueSize, g.logger)

	g.mu.Lock()
	g.connections[id] = c
	g.mu.Unlock()

	g.sendWelcome(c)

	go c.writePump()
	c.readPump(g.cfg.MaxFrameBytes, g.handleFrame)
	g.disconnect(c, "client_closed")
}

// disconnect removes c from the registry and releases everything it held —
// idempotent, since both the read loop's own exit and a concurrent
// slow_consumer/timeout close path may call it for the same connection.
func (g *Gateway) disconnect(c *Connection, reason string) {
	g.mu.Lock()
	if _, ok := g.connections[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.connections, c.id)
	g.mu.Unlock()

	c.close(reason)
	g.dispatcher.Forget(c.id)

	if g.router != nil {
		g.router.UnsubscribeAll(c.id)
	}
	if g.presence != nil {
		for _, sess := range g.presence.SessionsForConnection(c.id) {
			g.presence.RemoveSession(sess.SessionID, reason)
			if sess.EntityType == presence.EntityAgent {
				if g.router != nil {
					g.router.UnrouteAgent(sess.EntityID, c.id)
				}
				if g.cfg.OnAgentDisconnect != nil {
					g.cfg.OnAgentDisconnect(sess.EntityID)
				}
			}
		}
	}

	g.logger.Info("connection closed", zap.String("connection_id", c.id), zap.String("reason", reason))
}

func (g *Gateway) closeSlowConsumer(c *Connection) {
	g.logger.Warn("closing slow consumer", zap.String("connection_id", c.id))
	g.disconnect(c, "slow_consumer")
}

// handleFrame builds a per-call protocol.Context from the connection's
// currently bound session and routes raw bytes through the dispatcher.
func (g *Gateway) handleFrame(c *Connection, raw []byte) {
	ctx := &protocol.Context{
		Context:      context.Background(),
		ConnectionID: c.id,
		Session:      c.currentSession(),
		Gateway:      g,
	}

	resp := g.dispatcher.HandleFrame(ctx, raw)
	if resp == nil {
		return
	}
	if !c.enqueue(outboundFrame{data: resp}) {
		g.closeSlowConsumer(c)
	}
}

func (g *Gateway) sendWelcome(c *Connection) {
	note := welcomeNotification{
		JSONRPC: protocol.Version,
		Method:  "connection.welcome",
		Params: welcomeParams{
			ConnectionID:  c.id,
			ServerVersion: ServerVersion,
			Capabilities:  Capabilities,
			Timestamp:     time.Now(),
		},
	}
	raw, err := json.Marshal(note)
	if err != nil {
		g.logger.Error("marshal welcome failed", zap.Error(err))
		return
	}
	if !c.enqueue(outboundFrame{data: raw}) {
		g.closeSlowConsumer(c)
	}
}

func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.heartbeatTick()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gateway) heartbeatTick() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	pingWindow := 3 * g.cfg.HeartbeatInterval

	for _, c := range conns {
		idle := c.idleFor()
		if idle > g.cfg.ConnectionTimeout {
			g.disconnect(c, "timeout")
			continue
		}
		if idle <= pingWindow {
			note := heartbeatNotification{
				JSONRPC: protocol.Version,
				Method:  "heartbeat",
				Params:  heartbeatParams{Timestamp: time.Now()},
			}
			raw, err := json.Marshal(note)
			if err != nil {
				g.logger.Error("marshal heartbeat failed", zap.Error(err))
				continue
			}
			if !c.enqueue(outboundFrame{data: raw}) {
				g.closeSlowConsumer(c)
			}
		}
	}
}

// Send serializes notification and enqueues it on connectionID's outbound
// queue. Returns ErrConnectionClosed if the connection is unknown or its
// queue is full (which also closes it as a slow consumer).
func (g *Gateway) Send(ctx context.Context, connectionID string, notification any) error {
	g.mu.RLock()
	c, ok := g.connections[connectionID]
	g.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}

	raw, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("gateway: marshal notification: %w", err)
	}
	if !c.enqueue(outboundFrame{data: raw}) {
		g.closeSlowConsumer(c)
		return ErrConnectionClosed
	}
	return nil
}

// RouteToEntity delivers notification to every live connection bound to
// entityID's sessions.
func (g *Gateway) RouteToEntity(ctx context.Context, entityID string, notification any) error {
	if g.presence == nil {
		return ErrConnectionClosed
	}
	connIDs := g.presence.ConnectionsForEntity(entityID)
	if len(connIDs) == 0 {
		return ErrConnectionClosed
	}

	var lastErr error
	for _, connID := range connIDs {
		if err := g.Send(ctx, connID, notification); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Broadcast delivers notification to every live connection except exclude.
func (g *Gateway) Broadcast(ctx context.Context, notification any, exclude string) {
	g.mu.RLock()
	targets := make([]*Connection, 0, len(g.connections))
	for id, c := range g.connections {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	raw, err := json.Marshal(notification)
	if err != nil {
		g.logger.Error("broadcast marshal failed", zap.Error(err))
		return
	}
	for _, c := range targets {
		if !c.enqueue(outboundFrame{data: raw}) {
			g.closeSlowConsumer(c)
		}
	}
}

// BindSession attaches session to connectionID so subsequent dispatched
// calls see it via the handler Context. Called by the authentication
// method handler once a session is created, not by the dispatcher itself.
func (g *Gateway) BindSession(connectionID string, session protocol.SessionView) {
	g.mu.RLock()
	c, ok := g.connections[connectionID]
	g.mu.RUnlock()
	if ok {
		c.bindSession(session)
	}
}

// ConnectedCount returns the number of currently live connections.
func (g *Gateway) ConnectedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}
