package http

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-lobby-service/internal/event"
)

// client is one bound transport connection. Writes go through the send
// channel so a single writer pump owns the socket.
type client struct {
	role     event.Role
	lobbyID  string
	viewerID string // empty for the host
	conn     *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan event.Outbound
}

// writePump drains the send channel onto the socket. Runs once per client.
func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("lobby_id", c.lobbyID).Msg("ws write failed")
			return
		}
	}
}

// deliver queues a message, dropping it if the client cannot keep up.
// A slow socket must never stall session processing.
func (c *client) deliver(msg event.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().
			Str("lobby_id", c.lobbyID).
			Str("viewer_id", c.viewerID).
			Str("kind", string(msg.Kind)).
			Msg("dropping event for slow client")
	}
}

// closeSend shuts the send channel exactly once; deliver becomes a no-op
// afterwards, so a displaced connection can race a broadcast safely.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type lobbyConns struct {
	host    *client
	viewers map[string]*client
}

// Hub tracks which connection is bound to which lobby identity and fans
// events out by their target direction. It implements session.Broadcaster.
// The hub's lock covers connection bookkeeping only, never session state.
type Hub struct {
	mu      sync.RWMutex
	lobbies map[string]*lobbyConns
}

func NewHub() *Hub {
	return &Hub{lobbies: make(map[string]*lobbyConns)}
}

func (h *Hub) bucket(lobbyID string) *lobbyConns {
	if lc, ok := h.lobbies[lobbyID]; ok {
		return lc
	}
	lc := &lobbyConns{viewers: make(map[string]*client)}
	h.lobbies[lobbyID] = lc
	return lc
}

// BindViewer rebinds the viewer identity to conn, displacing any previous
// connection for the same identity.
func (h *Hub) BindViewer(c *client) {
	h.mu.Lock()
	lc := h.bucket(c.lobbyID)
	prev := lc.viewers[c.viewerID]
	lc.viewers[c.viewerID] = c
	h.mu.Unlock()
	if prev != nil {
		prev.closeSend()
		_ = prev.conn.Close()
	}
}

// BindHost rebinds the lobby's host connection.
func (h *Hub) BindHost(c *client) {
	h.mu.Lock()
	lc := h.bucket(c.lobbyID)
	prev := lc.host
	lc.host = c
	h.mu.Unlock()
	if prev != nil {
		prev.closeSend()
		_ = prev.conn.Close()
	}
}

// Unbind detaches a connection if it is still the bound one and reports
// whether it was; a stale unbind after a rebind is a no-op, so a displaced
// socket can never trigger disconnect handling for the fresh binding.
func (h *Hub) Unbind(c *client) bool {
	h.mu.Lock()
	lc, ok := h.lobbies[c.lobbyID]
	current := false
	if ok {
		switch c.role {
		case event.RoleHost:
			if lc.host == c {
				lc.host = nil
				current = true
			}
		case event.RoleViewer:
			if lc.viewers[c.viewerID] == c {
				delete(lc.viewers, c.viewerID)
				current = true
			}
		}
		if lc.host == nil && len(lc.viewers) == 0 {
			delete(h.lobbies, c.lobbyID)
		}
	}
	h.mu.Unlock()
	if current {
		c.closeSend()
	}
	return current
}

// IsHost reports whether conn is the lobby's currently bound host.
func (h *Hub) IsHost(c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lc, ok := h.lobbies[c.lobbyID]
	return ok && lc.host == c
}

// DropLobby closes every connection bound to a lobby.
func (h *Hub) DropLobby(lobbyID string) {
	h.mu.Lock()
	lc, ok := h.lobbies[lobbyID]
	delete(h.lobbies, lobbyID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if lc.host != nil {
		lc.host.closeSend()
		_ = lc.host.conn.Close()
	}
	for _, v := range lc.viewers {
		v.closeSend()
		_ = v.conn.Close()
	}
}

// ToViewers delivers a server->viewer event to every bound viewer.
func (h *Hub) ToViewers(lobbyID string, msg event.Outbound) {
	h.mu.RLock()
	lc, ok := h.lobbies[lobbyID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*client, 0, len(lc.viewers))
	for _, v := range lc.viewers {
		targets = append(targets, v)
	}
	h.mu.RUnlock()
	for _, v := range targets {
		v.deliver(msg)
	}
}

// ToHost delivers a server->host event to the bound host, if any.
func (h *Hub) ToHost(lobbyID string, msg event.Outbound) {
	h.mu.RLock()
	lc, ok := h.lobbies[lobbyID]
	var host *client
	if ok {
		host = lc.host
	}
	h.mu.RUnlock()
	if host != nil {
		host.deliver(msg)
	}
}

// ToViewer delivers a server->viewer event to a single bound identity.
func (h *Hub) ToViewer(lobbyID, viewerID string, msg event.Outbound) {
	h.mu.RLock()
	lc, ok := h.lobbies[lobbyID]
	var target *client
	if ok {
		target = lc.viewers[viewerID]
	}
	h.mu.RUnlock()
	if target != nil {
		target.deliver(msg)
	}
}
