package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MaxClients limits concurrent websocket connections
const MaxClients = 100

const (
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from the same origin; cross-origin
	// connections are for local development only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one websocket message pushed to dashboard clients
type Event struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan *Event
}

// Hub fans execution and delivery events out to connected dashboard
// clients. Slow clients are disconnected rather than allowed to block
// the broadcast path.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	logger  *zap.SugaredLogger
}

// NewHub creates an empty broadcast hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// HandleWS upgrades the connection and registers the client
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan *Event, clientSendSize),
	}

	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max websocket clients reached, rejecting connection",
			"max_clients", MaxClients)
		conn.Close()
		return
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Dashboard client connected", "total_clients", total)

	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains the client's send channel onto the wire
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
}

// readPump discards inbound messages and detects disconnects
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	h.logger.Infow("Dashboard client disconnected", "total_clients", total)
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

// Broadcast queues an event for every connected client. Clients whose
// buffers are full are dropped; the dashboard reconnects and refetches.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Warnw("Dropping slow websocket client")
		h.remove(c)
	}
}

// BroadcastJobExecutionStarted implements scheduler.ExecutionBroadcaster
func (h *Hub) BroadcastJobExecutionStarted(jobID, executionID, jobName string) {
	h.Broadcast("job_execution_started", map[string]interface{}{
		"jobId":       jobID,
		"executionId": executionID,
		"jobName":     jobName,
	})
}

// BroadcastJobExecutionFinished implements scheduler.ExecutionBroadcaster
func (h *Hub) BroadcastJobExecutionFinished(jobID, executionID, jobName, status, errorMsg string, durationMs int) {
	h.Broadcast("job_execution_finished", map[string]interface{}{
		"jobId":       jobID,
		"executionId": executionID,
		"jobName":     jobName,
		"status":      status,
		"error":       errorMsg,
		"durationMs":  durationMs,
	})
}
