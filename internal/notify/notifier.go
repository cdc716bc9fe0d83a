// Package notify delivers fire-and-forget user notifications through the
// worker queue. Delivery failures are logged and never surface to the
// moderation verb that triggered them.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/pkg/queue"
)

// Notifier enqueues notification jobs for the worker process.
type Notifier struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// New creates a queue-backed notifier.
func New(q *queue.Queue, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{queue: q, logger: logger}
}

// Notify hands a templated notification to the worker queue. Fire and
// forget: errors are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, userID uuid.UUID, template string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("notification payload marshal failed", zap.String("template", template), zap.Error(err))
		return
	}
	err = n.queue.EnqueueNotification(context.WithoutCancel(ctx), queue.NotificationPayload{
		UserID:   userID,
		Template: template,
		Payload:  body,
	})
	if err != nil {
		n.logger.Warn("notification enqueue failed",
			zap.String("user_id", userID.String()),
			zap.String("template", template),
			zap.Error(err))
	}
}
