package queue

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
	// QueueDrops is the Redis list key for deferred media-drop retry jobs.
	QueueDrops = "worker:drops"
	// QueueNotifications is the Redis list key for user notification jobs.
	QueueNotifications = "worker:notifications"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeDropConnection JobType = "drop_connection"
	JobTypeNotification   JobType = "notification"
)

// DropConnectionPayload is the payload for deferred media-drop jobs,
// enqueued when inline drop attempts against the media backend are
// exhausted. The participant row is already inactive by then; this job
// only clears the lingering live connection.
type DropConnectionPayload struct {
	SessionID      uuid.UUID `json:"session_id"`
	ParticipantID  uuid.UUID `json:"participant_id"`
	RoomRef        string    `json:"room_ref"`
	ParticipantRef string    `json:"participant_ref"`
	Reason         string    `json:"reason"`
}

// NotificationPayload is the payload for fire-and-forget user notifications.
type NotificationPayload struct {
	UserID   uuid.UUID       `json:"user_id"`
	Template string          `json:"template"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) enqueue(ctx context.Context, key string, typ JobType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return nil
}

// EnqueueDropRetry enqueues a deferred media-drop job.
func (q *Queue) EnqueueDropRetry(ctx context.Context, payload DropConnectionPayload) error {
	return q.enqueue(ctx, QueueDrops, JobTypeDropConnection, payload)
}

// EnqueueNotification enqueues a user notification job.
func (q *Queue) EnqueueNotification(ctx context.Context, payload NotificationPayload) error {
	return q.enqueue(ctx, QueueNotifications, JobTypeNotification, payload)
}

// Dequeue blocks until a job is available on one of the given queues or
// ctx is done. With no keys it watches every worker queue. Returns the job
// and the queue name it came from.
func (q *Queue) Dequeue(ctx context.Context, keys ...string) (*Job, string, error) {
	if len(keys) == 0 {
		keys = []string{QueueDrops, QueueNotifications}
	}
	result, err := q.client.BLPop(ctx, 0, keys...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job on its queue with incremented attempt.
// If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job, key string) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
