// Package notify fans reconciliation notifications out to downstream
// consumers: in-process channel subscribers and WebSocket-attached UI
// sessions.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workdrop/escrowd/internal/metrics"
	"github.com/workdrop/escrowd/internal/reconciler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// subscriberBuffer bounds per-subscriber queues. A consumer that falls
// this far behind is dropped rather than allowed to stall the hub.
const subscriberBuffer = 64

// envelope is the wire form sent to WebSocket clients.
type envelope struct {
	Timestamp time.Time               `json:"timestamp"`
	Event     reconciler.Notification `json:"event"`
}

// Hub delivers notifications to all attached subscribers. It implements
// reconciler.Notifier.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan reconciler.Notification
	wsConns map[*wsClient]bool
	closed  bool
}

var _ reconciler.Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		subs:    make(map[int]chan reconciler.Notification),
		wsConns: make(map[*wsClient]bool),
	}
}

// Subscribe attaches an in-process consumer. The returned cancel
// function detaches it and closes the channel; it must be called on
// teardown or the subscriber leaks across wallet-account switches.
func (h *Hub) Subscribe() (<-chan reconciler.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan reconciler.Notification, subscriberBuffer)
	h.subs[id] = ch
	metrics.NotifySubscribers.Set(float64(len(h.subs) + len(h.wsConns)))

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
			metrics.NotifySubscribers.Set(float64(len(h.subs) + len(h.wsConns)))
		}
	}
}

// Publish delivers one notification to every subscriber. Slow channel
// subscribers have the message dropped; slow WebSocket clients are
// disconnected.
func (h *Hub) Publish(n reconciler.Notification) {
	payload, err := json.Marshal(envelope{Timestamp: time.Now().UTC(), Event: n})
	if err != nil {
		h.logger.Error("failed to marshal notification", "error", err)
		return
	}

	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			// Subscriber is full; the consumer re-queries on catch-up.
		}
	}
	var slow []*wsClient
	for c := range h.wsConns {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.dropLocked(c)
		}
		h.mu.Unlock()
	}
}

// ServeWS upgrades an HTTP request and streams notifications until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.wsConns[c] = true
	metrics.NotifySubscribers.Set(float64(len(h.subs) + len(h.wsConns)))
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
}

// Close detaches every subscriber and closes every connection.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	for c := range h.wsConns {
		delete(h.wsConns, c)
		close(c.send)
	}
	metrics.NotifySubscribers.Set(0)
	h.logger.Info("notification hub closed")
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.wsConns[c]; ok {
		delete(h.wsConns, c)
		close(c.send)
		metrics.NotifySubscribers.Set(float64(len(h.subs) + len(h.wsConns)))
	}
}

// readPump discards inbound frames and detaches the client on error.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	defer func() { _ = c.conn.Close() }()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	// Channel closed by the hub: say goodbye properly.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
