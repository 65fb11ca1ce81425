package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ConnectionManager bridges Bus subscribers to dashboard WebSocket
// clients (spec.md §6.5). Unlike the teacher's manager (which fans out
// via Postgres LISTEN/NOTIFY for cross-pod delivery), this orchestrator
// is a single-writer process, so each connection subscribes directly to
// the in-process Bus — there is no cross-replica requirement to serve.
type ConnectionManager struct {
	bus *Bus

	mu          sync.RWMutex
	connections map[string]*Connection

	writeTimeout time.Duration
}

// Connection represents one WebSocket client. channel is fixed at
// connect time via the query string (?channel=execution:<id> or
// ?channel=all) — this deployment has no dynamic subscribe/unsubscribe
// protocol because the dashboard always opens one socket per view.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Channel string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager bound to bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// ActiveConnections returns the count of live WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection manages one WebSocket client's lifecycle: subscribes
// it to the Bus (filtered to channel), forwards matching events until
// the socket closes or the request context is cancelled, and drains
// client pings in the background. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, channel string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &Connection{ID: uuid.New().String(), Conn: conn, Channel: channel, ctx: ctx, cancel: cancel}
	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": c.ID})

	sub := m.bus.Subscribe(ctx)
	defer sub.Unsubscribe()

	go m.readLoop(c)

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !matchesChannel(ev, channel) {
				continue
			}
			if err := m.sendJSON(c, ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// matchesChannel reports whether ev should be forwarded to a connection
// subscribed to channel: GlobalChannel receives everything, an
// execution-scoped channel only receives events for that execution.
func matchesChannel(ev Event, channel string) bool {
	if channel == "" || channel == GlobalChannel {
		return true
	}
	return ExecutionChannel(ev.ExecutionID) == channel
}

// readLoop drains client messages, answering "ping" with a pong and
// ignoring anything else, until the socket errors or closes, then cancels
// the connection.
func (m *ConnectionManager) readLoop(c *Connection) {
	defer c.cancel()
	for {
		_, data, err := c.Conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			m.sendJSON(c, map[string]string{"type": "pong"})
		}
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("events: failed to marshal websocket message", "connection_id", c.ID, "error", err)
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("events: failed to write to websocket client", "connection_id", c.ID, "error", err)
		return err
	}
	return nil
}
