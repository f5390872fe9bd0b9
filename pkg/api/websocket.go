package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/events"
)

const (
	ChannelSettlements = "settlements"
	ChannelWithdrawals = "withdrawals"
	orderbookPrefix    = "orderbook:"

	flushInterval = 100 * time.Millisecond
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the HTTP server
		return true
	},
}

// SnapshotFunc reads the depth of one pair.
type SnapshotFunc func(ctx context.Context, pairID string) (matching.Snapshot, error)

// Hub fans updates out to websocket clients. It is the engine's
// BookObserver and an events.Publisher for settlement updates.
//
// OrderbookChanged is called from inside a pair's actor, so it only marks the
// pair dirty; Run reads the snapshot later, outside the actor.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	dirtyMu  sync.Mutex
	dirty    map[string]struct{}
	snapshot SnapshotFunc

	log *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dirty:      make(map[string]struct{}),
		log:        log,
	}
}

// SetSnapshots wires the depth source. Must be called before Run.
func (h *Hub) SetSnapshots(fn SnapshotFunc) { h.snapshot = fn }

// Run owns client registration and flushes dirty order books until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_disconnected", "client", c.id, "total", total)

		case <-ticker.C:
			h.flush(ctx)
		}
	}
}

// OrderbookChanged implements matching.BookObserver.
func (h *Hub) OrderbookChanged(pairID string) {
	h.dirtyMu.Lock()
	h.dirty[pairID] = struct{}{}
	h.dirtyMu.Unlock()
}

func (h *Hub) flush(ctx context.Context) {
	h.dirtyMu.Lock()
	pairs := make([]string, 0, len(h.dirty))
	for id := range h.dirty {
		pairs = append(pairs, id)
	}
	clear(h.dirty)
	h.dirtyMu.Unlock()

	if h.snapshot == nil {
		return
	}
	for _, id := range pairs {
		snap, err := h.snapshot(ctx, id)
		if err != nil {
			h.log.Warnw("ws_snapshot_failed", "pair", id, "err", err)
			continue
		}
		h.BroadcastToChannel(orderbookPrefix+id, "orderbook", snap)
	}
}

// Publish implements events.Publisher: settlement and withdrawal updates go
// to their channels; other topics are ignored.
func (h *Hub) Publish(_ context.Context, topic string, ev events.Event) error {
	switch topic {
	case events.TopicSettlements:
		h.BroadcastToChannel(ChannelSettlements, ev.Type, ev)
	case events.TopicWithdrawals:
		h.BroadcastToChannel(ChannelWithdrawals, ev.Type, ev)
	}
	return nil
}

func (h *Hub) Close() error { return nil }

// BroadcastToChannel sends a message to all clients subscribed to channel.
// Slow clients miss messages rather than block the caller.
func (h *Hub) BroadcastToChannel(channel, typ string, data any) {
	message, err := json.Marshal(WSMessage{Type: typ, Channel: channel, Data: data, Time: time.Now().UnixMilli()})
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.IsSubscribed(channel) {
			h.deliver(c, message)
		}
	}
}

// deliver must run under h.mu so c.send cannot be closed concurrently.
func (h *Hub) deliver(c *Client, message []byte) {
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

func (h *Hub) reply(c *Client, message []byte) {
	h.mu.RLock()
	h.deliver(c, message)
	h.mu.RUnlock()
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

func validChannel(ch string) bool {
	return ch == ChannelSettlements || ch == ChannelWithdrawals ||
		(strings.HasPrefix(ch, orderbookPrefix) && len(ch) > len(orderbookPrefix))
}

func (c *Client) readPump() {
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
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_bad_message", "client", c.id, "err", err)
			continue
		}
		for _, ch := range req.Channels {
			if !validChannel(ch) {
				continue
			}
			switch req.Op {
			case "subscribe":
				c.subscribe(ch)
			case "unsubscribe":
				c.unsubscribe(ch)
			}
		}
		ack, _ := json.Marshal(WSMessage{Type: req.Op, Data: req.Channels, Time: time.Now().UnixMilli()})
		c.hub.reply(c, ack)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// hub closed the channel
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

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
