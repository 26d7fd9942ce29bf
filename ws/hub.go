// Package ws carries the machine realtime channel: a JSON message protocol
// over websocket with connect/heartbeat/done inbound messages, per-message
// acks, and the server-pushed dispense command.
package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub owns the open websocket connections keyed by channel id and is the
// coordinator's Sender. Each connection has its own write lock; gorilla
// permits only one concurrent writer.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	logger  *zap.Logger
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

func (h *Hub) register(channelID string, conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[channelID] = &client{conn: conn}
	h.mu.Unlock()
}

func (h *Hub) unregister(channelID string) {
	h.mu.Lock()
	delete(h.clients, channelID)
	h.mu.Unlock()
}

// Send marshals payload and writes it to the channel's connection.
func (h *Hub) Send(channelID string, payload any) error {
	h.mu.Lock()
	c, ok := h.clients[channelID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not open", channelID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
