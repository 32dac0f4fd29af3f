// Package realtime streams risk events to WebSocket subscribers.
//
// Security dashboards subscribe instead of polling the risk log. A
// subscriber starts out receiving everything and may narrow its feed at any
// time by sending a Subscription as a JSON text frame; the hub answers each
// accepted filter with a "subscribed" event echoing it.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/behavauth/internal/metrics"
)

// EventType names a streamed event.
type EventType string

const (
	EventRiskEvaluated     EventType = "risk_evaluated"
	EventSessionClassified EventType = "session_classified"
	EventModelTrained      EventType = "model_trained"
	EventSubscribed        EventType = "subscribed"
)

// Event is one streamed event. UserID and Risk are lifted out of Data so
// subscriptions can filter without decoding it.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	Risk      float64   `json:"risk"`
	Data      any       `json:"data,omitempty"`
}

// Subscription narrows what a subscriber receives. The zero value matches
// every event.
type Subscription struct {
	AllEvents  bool        `json:"all_events"`
	EventTypes []EventType `json:"event_types,omitempty"`
	UserIDs    []string    `json:"user_ids,omitempty"`
	MinRisk    float64     `json:"min_risk,omitempty"` // inclusive
}

// Matches reports whether e passes the filter.
func (s Subscription) Matches(e *Event) bool {
	switch {
	case s.AllEvents:
		return true
	case len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type):
		return false
	case len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, e.UserID):
		return false
	}
	return e.Risk >= s.MinRisk
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalClients     int64 `json:"total_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
}

const (
	DefaultMaxClients = 1000

	queueSize      = 256 // pending broadcasts
	sendBuffer     = 256 // frames buffered per subscriber
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
)

// subscriber is one WebSocket connection.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *subscriber) filter() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *subscriber) setFilter(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub fans risk events out to subscribers.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int

	queue chan *Event
	done  chan struct{} // closed when Run exits; rejects late upgrades

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	closed  bool

	totalClients  atomic.Int64
	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lets browsers on these origins open the stream in
// addition to same-host pages. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowed["*"] || allowed[origin] || sameHost(r, origin)
		}
	}
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger.With("component", "realtime"),
		maxClients: DefaultMaxClients,
		queue:      make(chan *Event, queueSize),
		done:       make(chan struct{}),
		clients:    make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return sameHost(r, r.Header.Get("Origin"))
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sameHost accepts non-browser clients and pages served from the API host.
func sameHost(r *http.Request, origin string) bool {
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run delivers queued events until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case event := <-h.queue:
			h.deliver(event)
		}
	}
}

// Broadcast queues an event for delivery. It never blocks; when the queue is
// full the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.queue <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("event queue full, dropping event", "type", event.Type, "user_id", event.UserID)
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event not serializable", "type", event.Type, "error", err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter().Matches(event) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("evicting slow subscriber")
		h.remove(c)
	}
}

// add registers c. It fails once the hub is closed or full.
func (h *Hub) add(c *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = struct{}{}
	h.totalClients.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return true
}

// remove unregisters c and closes its send channel, once.
func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send) // writeLoop sends a close frame
		delete(h.clients, c)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// HandleWebSocket upgrades the request and streams events to it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &subscriber{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("subscriber connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription updates until the connection fails.
func (c *subscriber) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.setFilter(sub)
		c.ack(sub)
	}
}

// ack confirms a subscription without blocking the read loop.
func (c *subscriber) ack(sub Subscription) {
	payload, err := json.Marshal(&Event{Type: EventSubscribed, Timestamp: time.Now().UTC(), Data: sub})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writeLoop drains the send channel and keeps the connection alive.
func (c *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
