// Package http binds WebSocket connections to lobby and participant
// identity, validates event direction against the sender's role, and
// dispatches validated events into the owning session.
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-lobby-service/internal/domain"
	"quiz-lobby-service/internal/event"
	"quiz-lobby-service/internal/registry"
	"quiz-lobby-service/internal/session"
)

const sendBuffer = 16

type WSHandler struct {
	lobbies  *registry.Registry
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(lobbies *registry.Registry, hub *Hub) *WSHandler {
	return &WSHandler{
		lobbies: lobbies,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access is gated by lobby id and host key, not browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and binds it as host or viewer.
//
// Host creating a lobby:   /ws?role=host&quizId=...&maxPlayers=..&questionDuration=..
// Host rebinding:          /ws?role=host&lobby=...&hostKey=...
// Viewer joining/rejoining: /ws?role=viewer&lobby=...&viewerId=..&name=..
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	switch event.Role(r.URL.Query().Get("role")) {
	case event.RoleHost:
		h.serveHost(w, r)
	case event.RoleViewer:
		h.serveViewer(w, r)
	default:
		http.Error(w, "role must be host or viewer", http.StatusBadRequest)
	}
}

func (h *WSHandler) serveHost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		sess    *session.Session
		hostKey string
		created bool
	)
	if lobbyID := q.Get("lobby"); lobbyID != "" {
		existing, err := h.lobbies.Get(lobbyID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if !existing.HostKeyMatches(q.Get("hostKey")) {
			http.Error(w, domain.ErrUnauthorized.Error(), http.StatusForbidden)
			return
		}
		sess = existing
	} else {
		quizID := q.Get("quizId")
		if quizID == "" {
			http.Error(w, "missing quizId", http.StatusBadRequest)
			return
		}
		cfg, err := lobbyConfigFromQuery(q.Get("maxPlayers"), q.Get("questionDuration"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess, hostKey, err = h.lobbies.Create(r.Context(), quizID, cfg)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, domain.ErrQuizNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		created = true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		role:    event.RoleHost,
		lobbyID: sess.ID(),
		conn:    conn,
		send:    make(chan event.Outbound, sendBuffer),
	}
	h.hub.BindHost(c)
	go c.writePump()

	if created {
		c.deliver(event.Outbound{Kind: event.KindLobbyCreated, Payload: event.LobbyCreated{
			LobbyID: sess.ID(),
			QuizID:  sess.QuizID(),
			HostKey: hostKey,
			Config:  sess.LobbyConfig(),
		}})
	}

	h.readLoop(c, sess)
	h.hub.Unbind(c)
	_ = conn.Close()
}

func (h *WSHandler) serveViewer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lobbyID := q.Get("lobby")
	if lobbyID == "" {
		http.Error(w, "missing lobby", http.StatusBadRequest)
		return
	}
	sess, err := h.lobbies.Get(lobbyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	// Stable identity survives reconnects; a fresh one is minted when the
	// client does not present its own.
	viewerID := q.Get("viewerId")
	if viewerID == "" {
		viewerID = uuid.NewString()
	}
	name := q.Get("name")
	if name == "" {
		name = "player-" + viewerID[:8]
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		role:     event.RoleViewer,
		lobbyID:  lobbyID,
		viewerID: viewerID,
		conn:     conn,
		send:     make(chan event.Outbound, sendBuffer),
	}

	joined, err := sess.Join(viewerID, name)
	if err != nil {
		_ = conn.WriteJSON(event.Outbound{Kind: event.KindError, Payload: event.ErrorNotice{Message: err.Error()}})
		_ = conn.Close()
		return
	}

	h.hub.BindViewer(c)
	go c.writePump()
	c.deliver(event.Outbound{Kind: event.KindJoined, Payload: joined})

	h.readLoop(c, sess)
	if h.hub.Unbind(c) {
		sess.Disconnect(viewerID)
	}
	_ = conn.Close()
}

// readLoop consumes inbound envelopes until the socket drops. Direction
// and role are checked here; a mismatch is reported to the sender only and
// never reaches the session.
func (h *WSHandler) readLoop(c *client, sess *session.Session) {
	for {
		var env event.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		h.route(c, sess, env)
	}
}

func (h *WSHandler) route(c *client, sess *session.Session, env event.Envelope) {
	origin, known := event.Origin(env.Kind)
	if !known || origin != c.role {
		c.deliver(errNotice(domain.ErrUnauthorized))
		return
	}

	switch env.Kind {
	case event.KindAnswer:
		payload, err := event.DecodeAnswer(env)
		if err != nil {
			c.deliver(errNotice(err))
			return
		}
		// A viewer may only answer as itself.
		if payload.ViewerID != "" && payload.ViewerID != c.viewerID {
			c.deliver(errNotice(domain.ErrUnauthorized))
			return
		}
		if err := sess.Answer(c.viewerID, payload.Choice); err != nil {
			c.deliver(errNotice(err))
		}
	case event.KindLeave:
		sess.Leave(c.viewerID)
	case event.KindStart, event.KindNext, event.KindEnd:
		if !h.hub.IsHost(c) {
			c.deliver(errNotice(domain.ErrUnauthorized))
			return
		}
		var err error
		switch env.Kind {
		case event.KindStart:
			err = sess.Start()
		case event.KindNext:
			err = sess.Next()
		case event.KindEnd:
			err = sess.End()
		}
		if err != nil {
			c.deliver(errNotice(err))
		}
	}
}

func errNotice(err error) event.Outbound {
	return event.Outbound{Kind: event.KindError, Payload: event.ErrorNotice{Message: err.Error()}}
}

// lobbyConfigFromQuery parses optional creation overrides; absent values
// stay zero so the registry applies defaults.
func lobbyConfigFromQuery(maxPlayers, questionDuration string) (domain.LobbyConfig, error) {
	var cfg domain.LobbyConfig
	if maxPlayers != "" {
		n, err := strconv.Atoi(maxPlayers)
		if err != nil {
			return cfg, domain.ErrConfig
		}
		cfg.MaxPlayers = n
	}
	if questionDuration != "" {
		secs, err := strconv.Atoi(questionDuration)
		if err != nil {
			return cfg, domain.ErrConfig
		}
		cfg.QuestionDuration = time.Duration(secs) * time.Second
	}
	return cfg, nil
}
