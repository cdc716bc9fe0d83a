package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "feed:"
	publishTimeout = 5 * time.Second
)

// Publisher emits row events to per-table Redis channels. Emission is
// best-effort: a failed publish is logged and dropped, never surfaced to
// the mutating caller.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPublisher creates a Redis-backed changefeed publisher.
func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish emits one row event for a table. Row is marshaled as the event body.
func (p *Publisher) Publish(table string, typ EventType, row any) {
	if p == nil || p.client == nil {
		return
	}
	ev, err := newEvent(table, typ, row)
	if err != nil {
		p.logger.Warn("changefeed marshal failed", zap.String("table", table), zap.Error(err))
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, channelPrefix+table, body).Err(); err != nil {
		p.logger.Warn("changefeed publish failed", zap.String("table", table), zap.Error(err))
	}
}
