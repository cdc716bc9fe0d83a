package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionChannelPrefix = "session:"
	userChannelPrefix    = "notify:"
	publishTimeout       = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges hub events across instances via Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishSessionEvent publishes an event to the session's Redis channel.
func (r *RedisPubSub) PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error {
	return r.publish(sessionChannelPrefix+sessionID.String(), event, payload)
}

// PublishUserEvent publishes an event to the user's notification channel.
// The worker process delivers moderation notifications through this path;
// whichever instance holds the user's connections fans it out.
func (r *RedisPubSub) PublishUserEvent(userID uuid.UUID, event string, payload []byte) error {
	return r.publish(userChannelPrefix+userID.String(), event, payload)
}

func (r *RedisPubSub) publish(channel, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeSession subscribes to a session's Redis channel.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	return r.subscribe(sessionChannelPrefix+sessionID.String(), handler)
}

// SubscribeUser subscribes to a user's notification channel.
func (r *RedisPubSub) SubscribeUser(userID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	return r.subscribe(userChannelPrefix+userID.String(), handler)
}

func (r *RedisPubSub) subscribe(channel string, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
