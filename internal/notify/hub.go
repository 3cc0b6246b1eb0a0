package notify

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 16
)

// Client is one live subscriber connection. Membership is process-local
// session state only; a reconnecting client joins its rooms again.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	role   string

	mu    sync.Mutex
	rooms map[string]bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, userID, role string) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		role:   role,
		rooms:  make(map[string]bool),
	}
}

// Hub groups subscribers into per-class rooms and pushes payloads to them.
// Delivery is best-effort: a subscriber whose buffer is full is dropped
// rather than ever blocking a broadcast.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]bool)}
}

// Join adds the client to a class room.
func (h *Hub) Join(classID string, c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[classID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[classID] = room
	}
	room[c] = true
	h.mu.Unlock()

	c.mu.Lock()
	c.rooms[classID] = true
	c.mu.Unlock()
}

// Leave removes the client from every room it joined and closes its queue.
func (h *Hub) Leave(c *Client) {
	c.mu.Lock()
	joined := make([]string, 0, len(c.rooms))
	for classID := range c.rooms {
		joined = append(joined, classID)
	}
	c.rooms = make(map[string]bool)
	c.mu.Unlock()

	h.mu.Lock()
	for _, classID := range joined {
		if room, ok := h.rooms[classID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, classID)
			}
		}
	}
	h.mu.Unlock()
}

// LeaveRoom removes the client from one room only.
func (h *Hub) LeaveRoom(classID string, c *Client) {
	c.mu.Lock()
	delete(c.rooms, classID)
	c.mu.Unlock()

	h.mu.Lock()
	if room, ok := h.rooms[classID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, classID)
		}
	}
	h.mu.Unlock()
}

// RoomSize reports the current subscriber count of a room.
func (h *Hub) RoomSize(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[classID])
}

// Broadcast pushes one JSON payload to every subscriber of a class room.
func (h *Hub) Broadcast(classID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast marshal failed for class %s: %v", classID, err)
		return
	}

	h.mu.RLock()
	var stale []*Client
	for c := range h.rooms[classID] {
		select {
		case c.send <- raw:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.Printf("dropping slow subscriber %s from class %s", c.userID, classID)
		h.Leave(c)
		_ = c.conn.Close()
	}
}

// WritePump drains the client's queue onto the socket with keepalive pings.
// Runs as one goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
