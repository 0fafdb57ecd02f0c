package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Action    string    `json:"action,omitempty"`
	Market    string    `json:"market,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type wsFrame struct {
	market string
	data   []byte
}

// WSHub fans committed exchange events out to connected clients. A
// client may subscribe to one market with ?market=<market token>.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan wsFrame
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	market string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsFrame, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing
// every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.market
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "total", n, "market", c.market)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case f := <-h.broadcast:
			h.mu.Lock()
			for conn, market := range h.clients {
				if market != "" && market != f.market {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish implements exchange.EventSink.
func (h *WSHub) Publish(e exchange.Event) {
	msg := WSMessage{
		Type:      e.Kind,
		ID:        e.ID.String(),
		Data:      e.Data,
		CreatedAt: e.CreatedAt,
	}
	if !e.Action.IsZero() {
		msg.Action = e.Action.String()
	}
	if !e.Market.IsZero() {
		msg.Market = e.Market.String()
	}
	if !e.Owner.IsZero() {
		msg.Owner = e.Owner.String()
	}
	h.Broadcast(msg)
}

// Broadcast queues msg for every matching client. Messages are dropped
// when the queue is full so entry points never block on slow clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("ws encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- wsFrame{market: msg.Market, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, market: r.URL.Query().Get("market")}:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
