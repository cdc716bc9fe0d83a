// Package realtime maintains the WebSocket connections of session
// audiences: room broadcast, per-user notification delivery, and signaling
// relay into the media layer. Redis pub/sub bridges instances.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// AudienceChangeHandler is called when the connected-audience count of a
// session changes, feeding the peak-viewers tracker.
type AudienceChangeHandler func(sessionID uuid.UUID, count int)

// RedisPublisher publishes events for cross-instance broadcast.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to session and user channels.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
	SubscribeUser(userID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> connected clients and broadcasts messages.
type Hub struct {
	sessions map[uuid.UUID]map[string]*Client
	users    map[uuid.UUID]map[string]*Client

	sessionSubs map[uuid.UUID]func()
	userSubs    map[uuid.UUID]func()

	mu         sync.RWMutex
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onAudience AudienceChangeHandler
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		sessions:    make(map[uuid.UUID]map[string]*Client),
		users:       make(map[uuid.UUID]map[string]*Client),
		sessionSubs: make(map[uuid.UUID]func()),
		userSubs:    make(map[uuid.UUID]func()),
		logger:      logger,
		redis:       redisPub,
		redisSub:    redisSub,
	}
}

// SetAudienceChangeHandler sets the callback for audience count changes.
func (h *Hub) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAudience = fn
}

// Register adds a client to a session room. The first client of a session
// or user starts the matching Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			sessionID := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(event string, payload []byte) {
				h.BroadcastToSession(sessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.sessionSubs[sessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c

	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Client)
		if h.redisSub != nil {
			userID := c.UserID
			cancel, err := h.redisSub.SubscribeUser(userID, func(event string, payload []byte) {
				h.SendToUser(userID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.userSubs[userID] = cancel
			}
		}
	}
	h.users[c.UserID][c.ID] = c

	count := len(h.sessions[c.SessionID])
	onAudience := h.onAudience
	h.mu.Unlock()

	if onAudience != nil {
		onAudience(c.SessionID, count)
	}
	h.logger.Debug("client joined session",
		zap.String("client_id", c.ID),
		zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client. The last client of a session or user
// cancels the matching Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.sessions[c.SessionID]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.sessionSubs[c.SessionID]; ok {
				cancel()
				delete(h.sessionSubs, c.SessionID)
			}
		}
	}
	if m, ok := h.users[c.UserID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.users, c.UserID)
			if cancel, ok := h.userSubs[c.UserID]; ok {
				cancel()
				delete(h.userSubs, c.UserID)
			}
		}
	}
	onAudience := h.onAudience
	h.mu.Unlock()

	if onAudience != nil && count > 0 {
		onAudience(c.SessionID, count)
	}
	h.logger.Debug("client left session",
		zap.String("client_id", c.ID),
		zap.String("session_id", c.SessionID.String()))
}

// BroadcastToSession sends a message to all clients in a session (local only).
func (h *Hub) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	msg := makeMessage(event, payload)

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToSessionAndPublish sends to local clients and publishes to
// Redis for other instances.
func (h *Hub) BroadcastToSessionAndPublish(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToSession(sessionID, event, payload)
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(sessionID, event, data)
	}
}

// PublishToSessionOnly publishes to Redis only, so the subscriber callback
// performs the broadcast exactly once across instances (used for chat).
func (h *Hub) PublishToSessionOnly(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishSessionEvent(sessionID, event, data)
		return
	}
	h.BroadcastToSession(sessionID, event, payload)
}

// AudienceCount returns the number of connected clients in a session.
func (h *Hub) AudienceCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// SendToUser delivers a message to every connection of one user on this
// instance, across sessions. Used for moderation notifications.
func (h *Hub) SendToUser(userID uuid.UUID, event string, payload interface{}) {
	msg := makeMessage(event, payload)

	h.mu.RLock()
	clients := h.users[userID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// SendToClient sends a message to a single connection (WebRTC signaling).
func (h *Hub) SendToClient(sessionID uuid.UUID, clientID string, event string, payload interface{}) {
	msg := makeMessage(event, payload)

	h.mu.RLock()
	c, ok := h.sessions[sessionID][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// CloseSession disconnects every client of a session, used when the
// session reaches a terminal state.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// DisconnectUserFromSession closes a specific user's connections in one
// session, used when a moderation kick lands.
func (h *Hub) DisconnectUserFromSession(sessionID, userID uuid.UUID) {
	h.mu.RLock()
	var clients []*Client
	for _, c := range h.sessions[sessionID] {
		if c.UserID == userID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

func makeMessage(event string, payload interface{}) WSMessage {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	return WSMessage{Event: event, Data: data}
}
