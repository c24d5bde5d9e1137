package webhook

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
)

// Hub fans trade events out to connected WebSocket dashboards. It
// satisfies engine.EventSink, so the engine pushes into it directly;
// events arriving over Redis Pub/Sub from other instances are fed in
// through Broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	prom    *metrics.Metrics // optional
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(prom *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		prom:    prom,
	}
}

// PublishTrade implements engine.EventSink.
func (h *Hub) PublishTrade(ctx context.Context, ev model.TradeEvent) {
	h.Broadcast(ev)
}

// Broadcast sends one event to every connected client. Slow clients are
// skipped, not waited on.
func (h *Hub) Broadcast(ev model.TradeEvent) {
	envelope, err := json.Marshal(map[string]any{
		"type":  "trade_event",
		"event": ev,
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// HandleWS serves one WebSocket client until it disconnects.
func (h *Hub) HandleWS(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	if h.prom != nil {
		h.prom.WSClients.Set(float64(n))
	}
	log.Printf("[hub] ws client connected (%d total)", n)

	go c.writePump()

	// Read loop only to observe disconnects; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.prom != nil {
		h.prom.WSClients.Set(float64(n))
	}
	c.conn.Close()
	log.Printf("[hub] ws client disconnected (%d total)", n)
}

func (c *wsClient) writePump() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
