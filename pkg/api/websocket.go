package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	topicTicks  = "ticks"
	topicOrders = "orders"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks happen in the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// parseChannel splits "ticks:BTC-USD" into its topic and symbol.
func parseChannel(channel string) (topic, symbol string, ok bool) {
	topic, symbol, found := strings.Cut(channel, ":")
	if !found || symbol == "" {
		return "", "", false
	}
	switch topic {
	case topicTicks, topicOrders:
		return topic, symbol, true
	}
	return "", "", false
}

// Hub tracks connected feed clients. Registration goes through Run; fan-out
// happens on the caller's goroutine.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	join  chan *Client
	leave chan *Client

	dropped atomic.Uint64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]struct{}),
		join:    make(chan *Client),
		leave:   make(chan *Client),
	}
}

// Run owns client registration until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws_client_connected", zap.String("client", c.addr), zap.Int("total", n))

		case c := <-h.leave:
			h.mu.Lock()
			_, ok := h.clients[c]
			delete(h.clients, c)
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				c.shut()
				h.logger.Info("ws_client_disconnected", zap.String("client", c.addr), zap.Int("total", n))
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.shut()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages not delivered to slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// subscribed reports whether any client listens on channel.
func (h *Hub) subscribed(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.Subscribed(channel) {
			return true
		}
	}
	return false
}

// Publish sends v to every client subscribed to channel. A client whose
// buffer is full misses the message; the exchange is never blocked.
func (h *Hub) Publish(channel string, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("ws_marshal_failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.deliver(channel, msg) {
			h.dropped.Add(1)
		}
	}
}

// Client is one feed connection and its channel set.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	addr string

	mu     sync.Mutex
	out    chan []byte
	closed bool
	topics map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		out:    make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[channel]
	return ok
}

// deliver queues msg when the client listens on channel. False only when
// the message had to be dropped.
func (c *Client) deliver(channel string, msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[channel]; !ok || c.closed {
		return true
	}
	return c.pushLocked(msg)
}

func (c *Client) pushLocked(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// shut closes the outbound queue; writePump then sends a close frame.
func (c *Client) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// apply changes the channel set and queues the ack, followed by the snapshot
// of each new channel, before any later broadcast can reach the client.
func (c *Client) apply(req WSSubscribeRequest, snapshot func(channel string) (any, bool)) {
	ack := WSAck{Type: req.Op + "d"}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var fresh []string
	for _, ch := range req.Channels {
		if _, _, ok := parseChannel(ch); !ok {
			ack.Rejected = append(ack.Rejected, ch)
			continue
		}
		_, had := c.topics[ch]
		if req.Op == "subscribe" {
			c.topics[ch] = struct{}{}
			if !had {
				fresh = append(fresh, ch)
			}
		} else {
			delete(c.topics, ch)
		}
		ack.Channels = append(ack.Channels, ch)
	}

	if msg, err := json.Marshal(ack); err == nil {
		c.pushLocked(msg)
	}
	if snapshot == nil {
		return
	}
	for _, ch := range fresh {
		v, ok := snapshot(ch)
		if !ok {
			continue
		}
		if msg, err := json.Marshal(v); err == nil && !c.pushLocked(msg) {
			c.hub.dropped.Add(1)
		}
	}
}

func (c *Client) reject(reason, detail string) {
	msg, err := json.Marshal(ErrorResponse{Error: reason, Message: detail})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.pushLocked(msg)
	}
}

// readPump applies subscription requests until the connection fails.
func (c *Client) readPump(ctx context.Context, snapshot func(string) (any, bool)) {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ws_read_failed", zap.String("client", c.addr), zap.Error(err))
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.hub.logger.Debug("ws_invalid_message", zap.String("client", c.addr), zap.Error(err))
			c.reject("invalid message", err.Error())
			continue
		}

		switch req.Op {
		case "subscribe", "unsubscribe":
			c.apply(req, snapshot)
			c.hub.logger.Debug("ws_"+req.Op, zap.String("client", c.addr), zap.Strings("channels", req.Channels))
		default:
			c.reject("unknown op", req.Op)
		}
	}
}

// writePump drains the outbound queue, one JSON document per frame, and
// keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// handleWebSocket upgrades the connection and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	c := newClient(s.hub, conn)
	select {
	case s.hub.join <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.ctx, s.channelSnapshot)
}
