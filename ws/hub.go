package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// Hub fans deck changes out to every open connection of the deck owner.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]*Client // by user id
	log     *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]*Client),
		log:     log.With("component", "ws_hub"),
	}
}

type DeckEvent struct {
	Type string      `json:"type"`
	Deck models.Deck `json:"deck"`
}

func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	client := &Client{Conn: conn, Send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*websocket.Conn]*Client)
	}
	h.clients[userID][conn] = client
	h.mu.Unlock()

	go h.writePump(client)
	return client
}

func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[userID]; ok {
		if client, ok := clients[conn]; ok {
			close(client.Send)
			delete(clients, conn)
		}
		if len(clients) == 0 {
			delete(h.clients, userID)
		}
	}
}

// PublishDeck sends the deck to the owner's connections. Slow clients drop messages.
func (h *Hub) PublishDeck(userID string, deck models.Deck) {
	data, err := json.Marshal(DeckEvent{Type: "deck_" + string(deck.Status), Deck: deck})
	if err != nil {
		h.log.Error("marshal deck event", "deck_id", deck.ID, "error", err)
		return
	}
	h.Broadcast(userID, data)
}

func (h *Hub) Broadcast(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients[userID] {
		select {
		case client.Send <- data:
		default:
			h.log.Warn("ws send buffer full, dropping message", "user_id", userID)
		}
	}
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) writePump(client *Client) {
	defer func() {
		_ = client.Conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
		_ = client.Conn.Close()
	}()
	for msg := range client.Send {
		_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
