// Package worker drains the job queues: deferred media drops whose inline
// retries were exhausted, and fire-and-forget user notifications.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/media"
	"github.com/orbitlive/backend/pkg/queue"
)

// UserPublisher delivers a notification event toward a user's connections;
// whichever instance holds them fans the event out.
type UserPublisher interface {
	PublishUserEvent(userID uuid.UUID, event string, payload []byte) error
}

// Processor executes queued jobs. Jobs that keep failing are retried with
// an incremented attempt count and land on the dead-letter queue after
// queue.MaxRetries.
type Processor struct {
	media  media.Backend
	pub    UserPublisher
	queue  *queue.Queue
	keys   []string
	logger *zap.Logger
}

// NewProcessor creates a job processor watching the given queues. The
// server process drains drop jobs (its SFU holds the connections); the
// worker binary drains notifications. media may be nil in a process
// without a media backend.
func NewProcessor(backend media.Backend, pub UserPublisher, q *queue.Queue, logger *zap.Logger, keys ...string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{media: backend, pub: pub, queue: q, keys: keys, logger: logger}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeDropConnection:
		return p.processDrop(ctx, job)
	case queue.JobTypeNotification:
		return p.processNotification(job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) processDrop(ctx context.Context, job *queue.Job) error {
	var payload queue.DropConnectionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.media == nil {
		return fmt.Errorf("no media backend for drop job %s", job.ID)
	}
	if err := p.media.DropConnection(ctx, payload.RoomRef, payload.ParticipantRef); err != nil {
		return fmt.Errorf("drop connection: %w", err)
	}
	p.logger.Info("deferred drop completed",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("participant_id", payload.ParticipantID.String()))
	return nil
}

func (p *Processor) processNotification(job *queue.Job) error {
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.pub == nil {
		return fmt.Errorf("no publisher for notification job %s", job.ID)
	}
	if err := p.pub.PublishUserEvent(payload.UserID, payload.Template, payload.Payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	p.logger.Debug("notification delivered",
		zap.String("user_id", payload.UserID.String()),
		zap.String("template", payload.Template))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, key, err := p.queue.Dequeue(ctx, p.keys...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, key); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
