package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/protocol"
)

const writeWait = 10 * time.Second

// outboundFrame is a queued WebSocket text frame — responses, notifications,
// and heartbeats all travel the same way since the wire protocol is JSON-RPC
// end to end.
type outboundFrame struct {
	data []byte
}

// Connection is one accepted WebSocket peer. It owns the read and write
// pumps for its socket and the bounded outbound queue the gateway's
// backpressure policy drains into, following the same single-writer-goroutine
// discipline as server/internal/websocket's Client (only the write pump
// ever touches conn), generalized to a bidirectional protocol.
type Connection struct {
	id     string
	conn   *websocket.Conn
	send   chan outboundFrame
	logger *zap.Logger

	mu           sync.Mutex
	session      protocol.SessionView
	lastActivity time.Time
	closeOnce    sync.Once
	closeReason  string
}

func newConnection(id string, conn *websocket.Conn, queueSize int, logger *zap.Logger) *Connection {
	return &Connection{
		id:           id,
		conn:         conn,
		send:         make(chan outboundFrame, queueSize),
		logger:       logger.With(zap.String("connection_id", id)),
		lastActivity: time.Now(),
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Connection) bindSession(session protocol.SessionView) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Connection) currentSession() protocol.SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// enqueue queues a frame for delivery, returning false if the outbound
// queue is full — the caller treats that as a slow_consumer close.
func (c *Connection) enqueue(frame outboundFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once: closing the outbound queue
// lets writePump drain and exit, and closing the socket directly unblocks
// any readPump currently parked in ReadMessage.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
		c.conn.Close()
	})
}

// readPump reads inbound frames until the connection errs or closes,
// invoking onFrame for each one. maxFrameBytes enforces the oversize-frame
// policy via gorilla's read limit.
func (c *Connection) readPump(maxFrameBytes int64, onFrame func(*Connection, []byte)) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		onFrame(c, raw)
	}
}

// writePump is the only goroutine that ever writes to conn — gorilla
// connections are not safe for concurrent writes, mirroring client.go's
// single-writer discipline.
func (c *Connection) writePump() {
	defer c.conn.Close()

	for frame := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}

		if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
