package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/neonharbour/sentinel/pkg/models"
)

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action       string `json:"action"`                  // "subscribe", "unsubscribe", "ping"
	RunID        string `json:"run_id,omitempty"`        // run to (un)subscribe
	LastSequence int64  `json:"last_sequence,omitempty"` // resume point for subscribe
}

// ConnectionManager manages WebSocket connections and their run
// subscriptions. Each process has one instance.
type ConnectionManager struct {
	bus          *Bus
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*connection
}

type connection struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc

	// subscriptions is only touched from the connection's read loop.
	subscriptions map[string]context.CancelFunc
}

// NewConnectionManager creates a connection manager over the bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		bus:          bus,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*connection),
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection runs the lifecycle of one WebSocket connection. Blocks
// until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, tenantID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            uuid.New().String(),
		tenantID:      tenantID,
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]context.CancelFunc),
	}

	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()

	defer func() {
		for _, cancelSub := range c.subscriptions {
			cancelSub()
		}
		m.mu.Lock()
		delete(m.connections, c.id)
		m.mu.Unlock()
		c.cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.sendJSON(c, map[string]any{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.RunID == "" {
			m.sendJSON(c, map[string]any{"type": "error", "message": "run_id is required for subscribe"})
			return
		}
		if _, exists := c.subscriptions[msg.RunID]; exists {
			m.sendJSON(c, map[string]any{"type": "error", "message": "already subscribed", "run_id": msg.RunID})
			return
		}
		stream, cancelSub, err := m.bus.Subscribe(c.ctx, c.tenantID, msg.RunID, msg.LastSequence)
		if err != nil {
			slog.Error("WebSocket subscribe failed",
				"connection_id", c.id, "run_id", msg.RunID, "error", err)
			m.sendJSON(c, map[string]any{
				"type": "subscription.error", "run_id": msg.RunID,
				"message": "failed to subscribe to run",
			})
			return
		}
		c.subscriptions[msg.RunID] = cancelSub
		m.sendJSON(c, map[string]any{"type": "subscription.confirmed", "run_id": msg.RunID})
		go m.pump(c, msg.RunID, stream)

	case "unsubscribe":
		if cancelSub, ok := c.subscriptions[msg.RunID]; ok {
			cancelSub()
			delete(c.subscriptions, msg.RunID)
		}

	case "ping":
		m.sendJSON(c, map[string]any{"type": "pong"})
	}
}

// pump forwards a run's event stream to the connection until the stream or
// the connection closes.
func (m *ConnectionManager) pump(c *connection, runID string, stream <-chan *models.Event) {
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := m.sendEvent(c, ev); err != nil {
				slog.Warn("Failed to send event to WebSocket client",
					"connection_id", c.id, "run_id", runID, "error", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) sendEvent(c *connection, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (m *ConnectionManager) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}
