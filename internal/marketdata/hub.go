package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-exchange/internal/auth"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMsg is what a client sends to manage its subscriptions.
//
//	{"action":"subscribe","channels":["orderbook:BTC/USD"]}
//	{"action":"resync","channels":["trades:BTC/USD"],"after_seq":41}
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	AfterSeq uint64   `json:"after_seq"`
}

var acks = map[string]string{
	"subscribe":   "subscribed",
	"unsubscribe": "unsubscribed",
	"resync":      "resynced",
}

// MsgReplay carries the messages a resync request asked for, oldest first
const MsgReplay = "replay"

type replayMsg struct {
	Type     string    `json:"type"`
	Channel  string    `json:"channel"`
	Seq      uint64    `json:"seq"`
	Messages []Message `json:"messages"`
}

// controlMsg acknowledges or rejects a client request
type controlMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	subs    map[string]*Subscription
	lastSeq map[string]uint64 // highest sequence queued per channel
	closed  bool
	mu      sync.Mutex
}

// Hub serves publisher channels to WebSocket clients
type Hub struct {
	publisher  *Publisher
	secret     string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

func NewHub(publisher *Publisher, jwtSecret string) *Hub {
	return &Hub{
		publisher:  publisher,
		secret:     jwtSecret,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run handles client registration until ctx is cancelled, then closes
// every remaining client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", h.clientCount()).Str("user_id", c.userID).Msg("client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", h.clientCount()).Msg("client disconnected")
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request. A valid token is optional and only needed
// for portfolio channels.
// GET /ws
func (h *Hub) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		if token, err := middleware.TokenFromRequest(c); err == nil {
			claims, err := auth.ParseToken(token, h.secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			userID = claims.UserID
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("upgrade failed")
			return
		}

		cl := &client{
			hub:     h,
			conn:    conn,
			userID:  userID,
			send:    make(chan []byte, sendBufferSize),
			subs:    make(map[string]*Subscription),
			lastSeq: make(map[string]uint64),
		}
		select {
		case h.register <- cl:
		case <-h.done:
			conn.Close()
			return
		}

		go cl.writePump()
		go cl.readPump()
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("unexpected close error")
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.control(controlMsg{Type: "error", Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMsg) {
	for _, name := range msg.Channels {
		var err error
		switch msg.Action {
		case "subscribe":
			err = c.subscribe(name)
		case "unsubscribe":
			c.unsubscribe(name)
		case "resync":
			err = c.resync(name, msg.AfterSeq)
		default:
			c.control(controlMsg{Type: "error", Error: "unknown action " + msg.Action})
			return
		}
		if err != nil {
			c.control(controlMsg{Type: "error", Channel: name, Error: err.Error()})
			continue
		}
		c.control(controlMsg{Type: acks[msg.Action], Channel: name})
	}
}

func (c *client) authorize(name string) error {
	kind, key, err := c.hub.publisher.ParseChannel(name)
	if err != nil {
		return err
	}
	if kind == ChannelPortfolio && (c.userID == "" || c.userID != key) {
		return errors.New("portfolio channels require a token for the same user")
	}
	return nil
}

func (c *client) subscribe(name string) error {
	if err := c.authorize(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, ok := c.subs[name]; ok {
		return nil
	}
	sub, err := c.hub.publisher.Subscribe(name)
	if err != nil {
		return err
	}
	c.subs[name] = sub
	go c.forward(sub)
	return nil
}

func (c *client) unsubscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[name]; ok {
		c.hub.publisher.Unsubscribe(sub)
		delete(c.subs, name)
	}
	delete(c.lastSeq, name)
}

// resync replays what the client missed, or starts over with a snapshot
// when the gap is no longer retained
func (c *client) resync(name string, afterSeq uint64) error {
	if err := c.authorize(name); err != nil {
		return err
	}
	err := c.replay(name, afterSeq)
	if errors.Is(err, types.ErrSnapshotRequired) {
		c.unsubscribe(name)
		return c.subscribe(name)
	}
	return err
}

// replay queues everything after afterSeq as one message. Live messages it
// covers are not sent again, so the client sees the channel in order from
// the batch on.
func (c *client) replay(name string, afterSeq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, err := c.hub.publisher.Replay(name, afterSeq)
	if err != nil {
		return err
	}
	batch := replayMsg{Type: MsgReplay, Channel: name, Seq: afterSeq, Messages: msgs}
	if n := len(msgs); n > 0 {
		batch.Seq = msgs[n-1].Seq
		if batch.Seq > c.lastSeq[name] {
			c.lastSeq[name] = batch.Seq
		}
	}
	c.enqueueLocked(batch)
	return nil
}

func (c *client) forward(sub *Subscription) {
	for msg := range sub.C {
		c.deliver(msg)
	}
}

// deliver queues a live channel message unless a replay already sent it
func (c *client) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case msg.Type == MsgHeartbeat:
	case msg.Type == MsgSnapshot || msg.Seq > c.lastSeq[msg.Channel]:
		c.lastSeq[msg.Channel] = msg.Seq
	default:
		return
	}
	c.enqueueLocked(msg)
}

func (c *client) enqueue(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(v)
}

// enqueueLocked queues v for the write pump; callers hold c.mu
func (c *client) enqueueLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error().Err(err).Msg("failed to encode message")
		return
	}
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn().Str("user_id", c.userID).Msg("dropping message for slow client")
	}
}

func (c *client) control(msg controlMsg) {
	c.enqueue(msg)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for name, sub := range c.subs {
		c.hub.publisher.Unsubscribe(sub)
		delete(c.subs, name)
	}
	close(c.send)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
