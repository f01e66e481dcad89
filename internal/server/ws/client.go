package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// client is one WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan outbound
	format Format
	subs   map[string]bool
	mu     sync.RWMutex

	// sendMu guards send against enqueues racing the hub closing it.
	sendMu sync.Mutex
	closed bool
}

// outbound is one encoded frame queued for a client.
type outbound struct {
	messageType int
	data        []byte
}

// subscribeMsg is the text frame a client sends to change its channels:
// {"action":"subscribe","channels":["ch:snapshot"]}. "ch:*" selects every
// simulator channel.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func newClient(h *Hub, conn *websocket.Conn, format Format) *client {
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
		format: format,
		subs:   make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}
	return c
}

// enqueue queues a frame without blocking. It reports false when the
// client's queue is full. Frames for a closed client are discarded.
func (c *client) enqueue(o outbound) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- o:
		return true
	default:
		return false
	}
}

// close ends the write pump. Only the hub calls it.
func (c *client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply encodes payload as a frame on a control channel (status,
// subscriptions, error) and queues it.
func (c *client) reply(channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := encodeFrame(c.format, channel, raw)
	if err != nil {
		return
	}
	c.enqueue(outbound{messageType: c.format.messageType(), data: data})
}

// sendStatus lets a client mark the connection healthy before the first
// block is published.
func (c *client) sendStatus() {
	c.reply("status", map[string]any{
		"mode":           c.hub.mode,
		"run_name":       c.hub.runName,
		"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
		"channels":       Channels,
	})
}

// readPump applies subscription changes until the connection fails, then
// unregisters the client.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Action == "" {
			c.reply("error", map[string]string{"error": "expected {\"action\":...,\"channels\":[...]}"})
			continue
		}
		if err := c.applySubscription(msg); err != nil {
			c.reply("error", map[string]string{"error": err.Error()})
			continue
		}
		c.reply("subscriptions", map[string]any{"channels": c.subscriptions()})
	}
}

// applySubscription changes the client's channels. Unknown channels reject
// the whole request.
func (c *client) applySubscription(msg subscribeMsg) error {
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	for _, ch := range msg.Channels {
		if !knownChannel(ch) {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		if msg.Action == "subscribe" {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
	return nil
}

func knownChannel(ch string) bool {
	if prefix, ok := strings.CutSuffix(ch, "*"); ok {
		return slices.ContainsFunc(Channels, func(s string) bool { return strings.HasPrefix(s, prefix) })
	}
	return slices.Contains(Channels, ch)
}

// subscriptions returns the client's channels, sorted.
func (c *client) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// isSubscribed matches exact names and "prefix*" wildcards.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump drains the queue and pings; a closed queue sends a close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
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
