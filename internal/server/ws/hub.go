package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// Channels are the simulator channels the hub relays.
var Channels = []string{
	domain.ChannelSnapshot,
	domain.ChannelLiquidation,
	domain.ChannelRun,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware in front of the hub.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans simulator events out to WebSocket clients by channel. Events come
// from the Redis signal bus when one is wired, otherwise through Publish.
//
// A client too slow to drain its queue misses snapshot frames, since the
// next snapshot supersedes them. Liquidation and run frames are never
// skipped: a client that cannot take one is disconnected and is expected to
// reconnect and catch up over the REST history endpoints.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	runName    string
	startedAt  time.Time
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Config is reported to every client in its first "status" frame.
type Config struct {
	Mode      string
	RunName   string
	StartedAt time.Time
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		runName:    cfg.RunName,
		startedAt:  startedAt,
	}
}

// Publish queues payload for the clients subscribed to channel. It blocks
// only while the broadcast queue is full and is a no-op once Run returned.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: payload}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the client set until ctx is cancelled. Only Run closes a
// client's send queue.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		for _, ch := range Channels {
			go h.relay(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("format", c.format.String()),
				slog.Int("total_clients", n),
			)

		case c := <-h.unregister:
			if h.remove(c) {
				h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))
			}

		case msg := <-h.broadcast:
			for _, c := range h.fanOut(msg) {
				if h.remove(c) {
					h.logger.Warn("ws: evicted slow client",
						slog.String("channel", msg.channel),
						slog.Int("total_clients", h.clientCount()),
					)
				}
			}
		}
	}
}

// remove drops c and closes its queue. It reports false if c was already gone.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return false
	}
	delete(h.clients, c)
	c.close()
	return true
}

// fanOut encodes msg at most once per format and queues it for every
// subscribed client. It returns the clients that must be evicted.
func (h *Hub) fanOut(msg broadcastMsg) []*client {
	var (
		encoded [formatCount]*outbound
		evict   []*client
		dropped int
	)
	lossy := msg.channel == domain.ChannelSnapshot

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(msg.channel) {
			continue
		}
		out := encoded[c.format]
		if out == nil {
			data, err := encodeFrame(c.format, msg.channel, msg.data)
			if err != nil {
				h.logger.Warn("ws: encode frame failed",
					slog.String("channel", msg.channel),
					slog.String("format", c.format.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = &outbound{messageType: c.format.messageType(), data: data}
			encoded[c.format] = out
		}
		if c.enqueue(*out) {
			continue
		}
		if lossy {
			dropped++
		} else {
			evict = append(evict, c)
		}
	}
	if dropped > 0 {
		h.logger.Debug("ws: skipped snapshot for slow clients", slog.Int("clients", dropped))
	}
	return evict
}

// relay forwards one signal-bus channel into the hub.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: signal bus closed channel", slog.String("channel", channel))
				return
			}
			if err := h.Publish(ctx, channel, data); err != nil {
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client on every channel.
// ?format=proto selects binary protobuf frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, format)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
