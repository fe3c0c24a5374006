package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wxhelper/internal/bus"
)

const (
	wsWriteTimeout = 5 * time.Second
	// wsQueue is how many events may wait for a slow client before new ones are dropped.
	wsQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The route sits behind the admin token; browsers on other origins still need it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub streams bus events to websocket clients of /api/events.
type eventHub struct {
	events *bus.EventBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn *websocket.Conn
	// filter is an optional event type prefix, from ?type=.
	filter string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSClient(conn *websocket.Conn, filter string) *wsClient {
	return &wsClient{conn: conn, filter: filter, out: make(chan []byte, wsQueue), done: make(chan struct{})}
}

func newEventHub(events *bus.EventBus, logger *slog.Logger) *eventHub {
	h := &eventHub{events: events, logger: logger, clients: make(map[string]*wsClient)}
	if events != nil {
		events.On("*", h.broadcast)
	}
	return h
}

// serve upgrades the request; ?replay=<seconds> first sends recent history.
func (h *eventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	id := uuid.NewString()
	client := newWSClient(conn, r.URL.Query().Get("type"))
	go client.writePump(h.logger, id)

	client.enqueue(bus.Event{Type: "hello", Source: "api", Payload: map[string]any{"client_id": id}, Timestamp: time.Now()})
	if secs, err := strconv.Atoi(r.URL.Query().Get("replay")); err == nil && secs > 0 && h.events != nil {
		for _, ev := range h.events.Replay("*", time.Now().Add(-time.Duration(secs)*time.Second)) {
			if client.wants(ev) {
				client.enqueue(ev)
			}
		}
	}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()
	h.logger.Debug("event client connected", "client_id", id)

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		client.stop()
		conn.Close()
		h.logger.Debug("event client disconnected", "client_id", id)
	}()

	// Clients only listen; reading is needed to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "client_id", id, "err", err)
			}
			return
		}
	}
}

// broadcast runs inside EventBus.Emit and never waits on a client.
func (h *eventHub) broadcast(ev bus.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		if !c.enqueue(ev) {
			h.logger.Debug("event dropped for slow client", "client_id", id, "event", ev.Type, "seq", ev.Seq)
		}
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.stop()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
		delete(h.clients, id)
	}
}

func (c *wsClient) wants(ev bus.Event) bool {
	return c.filter == "" || strings.HasPrefix(ev.Type, c.filter)
}

// enqueue reports false when the client's queue is full and ev was dropped.
func (c *wsClient) enqueue(ev bus.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) writePump(logger *slog.Logger, id string) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write failed", "client_id", id, "err", err)
				c.conn.Close()
				return
			}
		}
	}
}
