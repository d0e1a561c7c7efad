package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

const (
	clientSendBuffer = 64
	broadcastBuffer  = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages a set of WebSocket clients and broadcasts order transitions to
// all of them. A client that cannot keep up is disconnected.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
	log        *slog.Logger
}

// NewHub creates a new Hub with initialised channels and client map.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = util.Discard()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With("component", "ws-hub"),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)
		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("dropping slow websocket client", "remote", client.conn.RemoteAddr().String())
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.count.Add(-1)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// OrderTransitioned implements engine.Notifier. It never blocks the caller;
// when the broadcast buffer is full the event is dropped.
func (h *Hub) OrderTransitioned(tr domain.Transition) {
	msg, err := json.Marshal(Event{Type: "order.transition", Data: tr})
	if err != nil {
		h.log.Error("encoding transition", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast buffer full, dropping transition", "order_id", tr.OrderID, "to", tr.To)
	}
}

// ServeWS upgrades the request and registers the connection with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, clientSendBuffer)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains control frames so pongs are processed, and unregisters the
// client when the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
