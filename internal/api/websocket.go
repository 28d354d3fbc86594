package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/orcflow/internal/events"
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

// WSMessage is a client message: subscribe, unsubscribe or ping.
type WSMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

// WSHandler streams run events over WebSocket connections.
type WSHandler struct {
	upgrader  websocket.Upgrader
	publisher events.Publisher
	logger    *slog.Logger

	mu          sync.Mutex
	connections map[*wsConnection]struct{}
}

// wsConnection tracks a single WebSocket connection.
type wsConnection struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex // protects runID and eventChan
	runID     string
	eventChan <-chan events.Event

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
				return true
			},
		},
		publisher:   pub,
		logger:      logger,
		connections: make(map[*wsConnection]struct{}),
	}
}

// ServeHTTP upgrades the request. A run_id query parameter subscribes the
// connection immediately ("*" for every run).
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		h.subscribe(c, runID)
	}
	go h.readPump(c)
}

// ConnectionCount returns the number of open connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// CloseAll closes every open connection.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.closeConnection(c)
	}
}

func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.RunID == "" {
			h.sendError(c, "run_id required for subscribe (use \"*\" for all runs)")
			return
		}
		h.subscribe(c, msg.RunID)
	case "unsubscribe":
		h.unsubscribe(c)
		h.sendJSON(c, map[string]any{"type": "unsubscribed"})
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

// subscribe replaces the connection's subscription with one for runID.
func (h *WSHandler) subscribe(c *wsConnection, runID string) {
	h.unsubscribe(c)

	ch := h.publisher.Subscribe(runID)
	c.mu.Lock()
	c.runID = runID
	c.eventChan = ch
	c.mu.Unlock()

	go h.forwardEvents(c, ch)
	h.sendJSON(c, map[string]any{"type": "subscribed", "run_id": runID})
	h.logger.Debug("websocket subscribed", "run_id", runID)
}

func (h *WSHandler) unsubscribe(c *wsConnection) {
	c.mu.Lock()
	runID, ch := c.runID, c.eventChan
	c.runID, c.eventChan = "", nil
	c.mu.Unlock()
	if ch != nil {
		h.publisher.Unsubscribe(runID, ch)
	}
}

// forwardEvents runs until ch is closed by Unsubscribe or the connection
// goes away.
func (h *WSHandler) forwardEvents(c *wsConnection, ch <-chan events.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.sendJSON(c, map[string]any{"type": "event", "event": ev})
		}
	}
}

func (h *WSHandler) closeConnection(c *wsConnection) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.connections, c)
		h.mu.Unlock()
		h.unsubscribe(c)
		close(c.done)
	})
}

func (h *WSHandler) sendJSON(c *wsConnection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("websocket marshal failed", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		h.logger.Warn("websocket send buffer full, dropping message")
	}
}

func (h *WSHandler) sendError(c *wsConnection, message string) {
	h.sendJSON(c, map[string]any{"type": "error", "error": message})
}
