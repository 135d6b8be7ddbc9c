package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLoopback,
}

// isLoopback only admits connections from the local UI.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of type t. A client
// without subscriptions receives everything.
func (c *WSClient) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type wsMessage struct {
	eventType string
	data      []byte
}

// WSHub maintains active client connections and broadcasts engine events.
type WSHub struct {
	syncpkg.BaseObserver

	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStarted          = "sync.started"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventActionApplied        = "sync.action_applied"
	EventActionPoisoned       = "sync.action_poisoned"
	EventSyncConflictDetected = "sync.conflict_detected"
)

var _ syncpkg.Observer = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Close stops the hub and disconnects every client.
func (h *WSHub) Close() {
	close(h.done)
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws: client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws: client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(message.eventType) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It never blocks the
// caller; when the hub is backed up the event is dropped.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("ws: failed to marshal message", err)
		return
	}

	select {
	case h.broadcast <- wsMessage{eventType: messageType, data: bytes}:
	case <-h.done:
	default:
		logging.Warn("ws: broadcast buffer full, event dropped", map[string]interface{}{"type": messageType})
	}
}

// =====================================================
// Engine events
// =====================================================

func (h *WSHub) DrainStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"status": "started",
	})
}

func (h *WSHub) DrainCompleted(result syncpkg.DrainResult) {
	data := map[string]interface{}{
		"applied":   result.Applied,
		"conflicts": result.Conflicts,
		"poisoned":  result.Poisoned,
		"retrying":  result.Retrying,
		"remaining": result.Remaining,
		"duration":  result.Duration.Milliseconds(),
		"forced":    result.Forced,
	}
	if result.Error != "" {
		data["error"] = result.Error
		data["status"] = "failed"
		h.Broadcast(EventSyncFailed, data)
		return
	}
	data["status"] = "completed"
	h.Broadcast(EventSyncCompleted, data)
}

func (h *WSHub) ActionApplied(action *models.QueuedAction, doc *remote.Document) {
	data := map[string]interface{}{
		"action_id": action.ID,
		"kind":      action.Kind,
		"entity":    action.EntityKey(),
	}
	if doc != nil {
		data["version"] = doc.Version
	}
	h.Broadcast(EventActionApplied, data)
}

func (h *WSHub) ConflictDetected(record *models.ConflictRecord) {
	h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
		"conflict_id":    record.ID,
		"action_id":      record.ActionID,
		"entity":         record.EntityKey(),
		"base_version":   record.BaseVersion,
		"remote_version": record.RemoteVersion,
	})
}

func (h *WSHub) ActionPoisoned(action *models.QueuedAction) {
	h.Broadcast(EventActionPoisoned, map[string]interface{}{
		"action_id":  action.ID,
		"kind":       action.Kind,
		"entity":     action.EntityKey(),
		"attempts":   action.Attempts,
		"last_error": action.LastError,
	})
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ws: read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control message for this client only.
func (c *WSClient) reply(envelope map[string]interface{}) {
	envelope["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(envelope)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("ws: upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New().String(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
