package chatserver

import (
	"sort"
	"sync"

	"github.com/prismer-ai/chatsync"
	"github.com/rs/zerolog"
)

const sendBufSize = 256

// client is one authenticated websocket connection.
type client struct {
	userID string
	send   chan []byte
}

// Hub tracks the live connections of every user.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	users map[string]map[*client]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, users: make(map[string]map[*client]struct{})}
}

// add registers c and reports whether it is the user's first connection.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*client]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	return len(conns) == 1
}

// remove unregisters c and reports whether the user has no connection left.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.userID]
	if !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.userID)
		return true
	}
	return false
}

// Online returns the connected users, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendTo queues a frame for every connection of userID. Slow connections
// drop the frame.
func (h *Hub) SendTo(userID string, f chatsync.Frame) {
	data, err := chatsync.EncodeFrame(f)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	h.sendRaw(userID, data)
}

func (h *Hub) sendRaw(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("user_id", userID).Msg("send buffer full, dropping frame")
		}
	}
}

// Broadcast queues a frame for every connected user except exceptUserID.
func (h *Hub) Broadcast(f chatsync.Frame, exceptUserID string) {
	for _, id := range h.Online() {
		if id != exceptUserID {
			h.SendTo(id, f)
		}
	}
}
