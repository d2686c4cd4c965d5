package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/store"
)

const writeWait = 5 * time.Second

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type wsMessage struct {
	Type string        `json:"type"`
	Data market.Ticker `json:"data"`
}

// Hub streams tickers of active pairs to websocket clients
type Hub struct {
	store    store.Store
	market   market.Provider
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates a hub. checkOrigin nil allows every origin.
func NewHub(s store.Store, m market.Provider, checkOrigin func(r *http.Request) bool, log logrus.FieldLogger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		store:    s,
		market:   m,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      log.WithField("component", "ws"),
		clients:  make(map[*wsClient]bool),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the connection and keeps it registered until the peer
// goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// initial snapshot
	h.Broadcast(r.Context())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// Broadcast sends the current ticker of every active pair. Pairs without a
// quote are skipped.
func (h *Hub) Broadcast(ctx context.Context) {
	if h.Clients() == 0 {
		return
	}
	pairs, err := h.store.ListPairs(ctx, true)
	if err != nil {
		h.log.WithError(err).Error("Failed to list pairs")
		return
	}

	var msgs [][]byte
	for _, p := range pairs {
		t, err := h.market.Ticker(ctx, p.Symbol)
		if err != nil {
			h.log.WithError(err).WithField("pair", p.Symbol).Debug("No ticker to broadcast")
			continue
		}
		data, err := json.Marshal(wsMessage{Type: "ticker", Data: t})
		if err != nil {
			h.log.WithError(err).Error("Failed to marshal ticker")
			continue
		}
		msgs = append(msgs, data)
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		for _, m := range msgs {
			if err := c.send(m); err != nil {
				h.log.WithError(err).Debug("Dropping websocket client")
				h.remove(c)
				break
			}
		}
	}
}

// Run broadcasts every interval until ctx is cancelled
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil
		case <-ticker.C:
			h.Broadcast(ctx)
		}
	}
}
