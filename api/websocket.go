package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"monitorconsole/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	// The console listens on the operator's machine; the UI may be served
	// from anywhere during development.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024, // 2MB for H.264 frames
}

// frame is one outbound websocket message.
type frame struct {
	binary bool
	data   []byte
}

// Client is one connected UI.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan frame

	mu         sync.Mutex
	subscribed map[string]bool
}

// Hub fans console events out to UI clients: JSON messages to everyone and
// binary H.264 frames to subscribers of a target.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	relay  *service.StreamRelay
	logger pslog.Logger
}

// NewHub creates a hub. relay may be nil, then subscribers get no cached
// parameter sets.
func NewHub(relay *service.StreamRelay, logger pslog.Logger) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		relay:      relay,
		logger:     logger.With("component", "hub"),
	}
}

// SetRelay attaches the stream relay after construction.
func (h *Hub) SetRelay(relay *service.StreamRelay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

// RelayStatus reports the stream relay counters per target, or nil without
// a relay.
func (h *Hub) RelayStatus() map[string]interface{} {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return nil
	}
	return relay.Status()
}

// Run processes registrations until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ui client connected", "clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.releaseViewer(client)
			h.logger.Info("ui client disconnected", "clients", total)
		}
	}
}

// ClientCount returns the number of connected UI clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToTarget sends message to clients subscribed to target.
// message can be []byte (framed H.264 NAL unit) or any JSON value.
func (h *Hub) BroadcastToTarget(target string, message interface{}) {
	f, ok := h.encode(message)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.isSubscribed(target) {
			continue
		}
		select {
		case client.send <- f:
		default:
			// Channel full: drop the oldest frame and try once more.
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- f:
			default:
				h.logger.Debug("ui client channel full, skipping frame", "target", target)
			}
		}
	}
}

// BroadcastToAll sends message to all connected clients. It never blocks.
func (h *Hub) BroadcastToAll(message interface{}) {
	f, ok := h.encode(message)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- f:
		default:
			h.logger.Warn("ui client channel full, skipping message")
		}
	}
}

func (h *Hub) encode(message interface{}) (frame, bool) {
	if b, ok := message.([]byte); ok {
		return frame{binary: true, data: b}, true
	}
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal hub message", "err", err)
		return frame{}, false
	}
	return frame{data: data}, true
}

// HandleWebSocket upgrades the request and attaches a UI client.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan frame, sendBuffer),
		subscribed: make(map[string]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

type subscription struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// subscribe marks target and sends the cached parameter sets and last
// keyframe so the client can decode immediately.
func (h *Hub) subscribe(c *Client, target string) {
	if !c.setSubscribed(target, true) {
		return
	}
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	relay.AddViewer(target)

	sps, pps, idr := relay.GetStreamData(target)

	// send is closed under h.mu once the client is gone.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	for _, pkt := range [][]byte{sps, pps, idr} {
		if pkt == nil {
			continue
		}
		select {
		case c.send <- frame{binary: true, data: pkt}:
		default:
			h.logger.Debug("failed to send cached header, channel full", "target", target)
		}
	}
}

func (h *Hub) unsubscribe(c *Client, target string) {
	if !c.setSubscribed(target, false) {
		return
	}
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.RemoveViewer(target)
	}
}

func (h *Hub) releaseViewer(c *Client) {
	c.mu.Lock()
	targets := make([]string, 0, len(c.subscribed))
	for t := range c.subscribed {
		targets = append(targets, t)
	}
	c.subscribed = make(map[string]bool)
	c.mu.Unlock()

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	for _, t := range targets {
		relay.RemoveViewer(t)
	}
}

func (c *Client) isSubscribed(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[target]
}

// setSubscribed reports whether the subscription changed.
func (c *Client) setSubscribed(target string, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed[target] == on {
		return false
	}
	if on {
		c.subscribed[target] = true
	} else {
		delete(c.subscribed, target)
	}
	return true
}

// readPump handles subscription messages from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ui websocket error", "err", err)
			}
			return
		}

		var msg subscription
		if err := json.Unmarshal(message, &msg); err != nil || msg.Target == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.hub.subscribe(c, msg.Target)
			c.hub.logger.Debug("ui client subscribed", "target", msg.Target)
		case "unsubscribe":
			c.hub.unsubscribe(c, msg.Target)
			c.hub.logger.Debug("ui client unsubscribed", "target", msg.Target)
		}
	}
}

// writePump writes queued frames and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind := websocket.TextMessage
			if f.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, f.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
