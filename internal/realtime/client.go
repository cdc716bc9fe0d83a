package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/media"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinGrant is the admission decision for a WebSocket join: the media room
// and participant references plus the granted role.
type JoinGrant struct {
	RoomRef        string
	ParticipantRef string
	Role           string
	Host           bool
}

// JoinGate authorizes a user's connection to a session. It rejects
// restricted users and users without an active membership before any
// connection state is created.
type JoinGate func(ctx context.Context, sessionID, userID uuid.UUID) (*JoinGrant, error)

// TokenValidator resolves a bearer token to user identity.
type TokenValidator func(token string) (userID uuid.UUID, role string, err error)

// Client represents a single WebSocket connection in a session.
type Client struct {
	ID             string
	SessionID      uuid.UUID
	UserID         uuid.UUID
	Role           string
	RoomRef        string
	ParticipantRef string
	Host           bool
	JoinedAt       time.Time
	hub            *Hub
	sfu            *media.SFU
	conn           *websocket.Conn
	send           chan WSMessage
	logger         *zap.Logger
}

// Close tears down the connection; the read pump then unregisters.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, gate JoinGate, sfu *media.SFU) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		userID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		grant, err := gate(c.Request.Context(), sessionID, userID)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:             uuid.New().String(),
			SessionID:      sessionID,
			UserID:         userID,
			Role:           role,
			RoomRef:        grant.RoomRef,
			ParticipantRef: grant.ParticipantRef,
			Host:           grant.Host,
			JoinedAt:       time.Now(),
			hub:            hub,
			sfu:            sfu,
			conn:           conn,
			send:           make(chan WSMessage, 256),
			logger:         logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.sfu != nil {
			_ = c.sfu.DropConnection(context.Background(), c.RoomRef, c.ParticipantRef)
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(event string, payload interface{}) {
		c.hub.SendToClient(c.SessionID, c.ID, event, payload)
	}

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "audience_count", map[string]int{
				"count": c.hub.AudienceCount(c.SessionID),
			})
			c.hub.BroadcastToSessionAndPublish(c.SessionID, "join", map[string]string{
				"user_id": c.UserID.String(),
				"role":    c.Role,
			})
		case "webrtc_publisher_offer":
			if c.sfu == nil || !c.Host {
				continue
			}
			var payload struct {
				Type string `json:"type"`
				SDP  string `json:"sdp"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
				sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
				_ = c.sfu.HandlePublisherOffer(c.RoomRef, c.ParticipantRef, sdp, sendToMe)
			}
		case "webrtc_subscribe":
			if c.sfu != nil {
				_ = c.sfu.HandleSubscribe(c.RoomRef, c.ParticipantRef, sendToMe)
			}
		case "webrtc_subscriber_answer":
			if c.sfu != nil {
				var payload struct {
					Type string `json:"type"`
					SDP  string `json:"sdp"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
					_ = c.sfu.HandleSubscriberAnswer(c.RoomRef, c.ParticipantRef, sdp)
				}
			}
		case "webrtc_ice":
			if c.sfu != nil {
				var payload struct {
					Target    string          `json:"target"`
					Candidate json.RawMessage `json:"candidate"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
					var cand webrtc.ICECandidateInit
					if json.Unmarshal(payload.Candidate, &cand) == nil {
						if payload.Target == "publisher" && c.Host {
							_ = c.sfu.HandlePublisherICE(c.RoomRef, cand)
						} else if payload.Target == "subscriber" {
							_ = c.sfu.HandleSubscriberICE(c.RoomRef, c.ParticipantRef, cand)
						}
					}
				}
			}
		case "hand_raise", "reaction":
			c.hub.BroadcastToSessionAndPublish(c.SessionID, msg.Event, json.RawMessage(msg.Data))
		case "chat_message":
			// Publish only so the Redis subscriber broadcasts once for all
			// instances, avoiding duplicate delivery to local clients.
			c.hub.PublishToSessionOnly(c.SessionID, msg.Event, json.RawMessage(msg.Data))
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
