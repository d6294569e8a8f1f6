// Package trade: WebSocket hub for live candle and trade broadcasts.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/options-indexer/internal/metrics"
	"github.com/atmx/options-indexer/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	Market    string `json:"market"`
	Period    int64  `json:"period,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Open      string `json:"open,omitempty"`
	High      string `json:"high,omitempty"`
	Low       string `json:"low,omitempty"`
	Close     string `json:"close,omitempty"`
	Trade     string `json:"trade,omitempty"`
	Option    string `json:"option,omitempty"`
	IsBuy     bool   `json:"is_buy,omitempty"`
	IsOpen    bool   `json:"is_open,omitempty"`
	Size      string `json:"size,omitempty"`
	Premium   string `json:"premium,omitempty"`
}

func candleMessage(c model.SpotPriceSnapshot) WSMessage {
	return WSMessage{
		Type:      "candle",
		Market:    c.Market,
		Period:    c.Period,
		Timestamp: c.Timestamp,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
	}
}

func tradeMessage(t *model.Trade) WSMessage {
	return WSMessage{
		Type:      "trade",
		Market:    t.Market,
		Timestamp: t.Timestamp,
		Trade:     t.ID,
		Option:    t.Option,
		IsBuy:     t.IsBuy,
		IsOpen:    t.IsOpen,
		Size:      t.Size.String(),
		Premium:   t.Premium.String(),
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
}

// WSHub manages WebSocket connections and broadcasts indexer updates to all
// connected clients.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		log:        logger,
	}
}

// Run starts the hub's main event loop until done is closed. Must be called
// in a goroutine.
func (h *WSHub) Run(done <-chan struct{}) {
	defer close(h.stopped)
	for {
		select {
		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "client", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full; event processing never waits on clients.
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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

	c := &wsClient{id: uuid.New().String(), conn: conn}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.stopped:
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

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
