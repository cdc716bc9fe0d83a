package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscriber consumes row events from per-table Redis channels.
type Subscriber struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSubscriber creates a Redis-backed changefeed subscriber.
func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, logger: logger}
}

// Subscribe delivers events matching the filter on the returned channel
// until ctx is done or the connection drops, at which point the channel is
// closed. The bus offers no replay; on a closed channel callers must
// resubscribe and perform a full resynchronization.
func (s *Subscriber) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	tables := filter.Tables
	if len(tables) == 0 {
		tables = []string{TableSessions, TableParticipants, TableReports, TableBanRecords}
	}
	channels := make([]string, 0, len(tables))
	for _, t := range tables {
		channels = append(channels, channelPrefix+t)
	}

	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		s.consume(ctx, pubsub, filter, out)
	}()
	return out, nil
}

// messageSource is the subset of redis.PubSub the consume loop reads from.
type messageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

// consume delivers matching events until ctx is done or the connection
// errors. Reading via ReceiveMessage keeps transport failures visible:
// PubSub.Channel reconnects silently after a broken connection, which
// would hide the gap in the feed from consumers that need to resync.
func (s *Subscriber) consume(ctx context.Context, src messageSource, filter Filter, out chan<- Event) {
	for {
		msg, err := src.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("changefeed connection lost", zap.Error(err))
			}
			return
		}
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn("changefeed decode failed", zap.Error(err))
			continue
		}
		if !filter.Matches(ev) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
