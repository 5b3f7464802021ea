package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zuiho-kai/claude-manager/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// WSHandler manages WebSocket connections. The subscription target is
// fixed by the URL at upgrade time: a task id for /ws/logs/{id},
// GlobalTaskID for /ws/events.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	connections map[string]*wsConnection
	mu          sync.RWMutex
	logger      *slog.Logger
}

// wsConnection tracks a single WebSocket connection.
type wsConnection struct {
	id        string
	conn      *websocket.Conn
	taskID    int64
	eventChan <-chan events.Event
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		publisher:   pub,
		connections: make(map[string]*wsConnection),
		logger:      logger,
	}
}

// Serve upgrades the request and streams events for taskID until the
// peer goes away. Only events published after the upgrade are sent;
// history comes from the task log endpoints.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, taskID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		id:        uuid.NewString(),
		conn:      conn,
		taskID:    taskID,
		eventChan: h.publisher.Subscribe(taskID),
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("websocket connected", "conn_id", c.id, "task_id", taskID)

	go h.readPump(c)
	go h.writePump(c)
	go h.forwardEvents(c)
}

// readPump drains the connection so close frames and pongs are
// processed. Incoming application messages are ignored.
func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings to the peer.
func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardEvents relays bus events to the peer as wire messages.
func (h *WSHandler) forwardEvents(c *wsConnection) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.eventChan:
			if !ok {
				return
			}
			h.sendJSON(c, event)
		}
	}
}

// closeConnection tears down a connection exactly once.
func (h *WSHandler) closeConnection(c *wsConnection) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.connections, c.id)
		h.mu.Unlock()

		h.publisher.Unsubscribe(c.taskID, c.eventChan)
		close(c.done)
		_ = c.conn.Close()
		h.logger.Debug("websocket closed", "conn_id", c.id)
	})
}

// sendJSON queues a message, dropping it when the peer cannot keep up.
func (h *WSHandler) sendJSON(c *wsConnection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal websocket message", "error", err)
		return
	}

	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket send buffer full, dropping message", "conn_id", c.id)
	}
}

// ConnectionCount returns the number of active connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close closes all connections.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c)
	}
}
