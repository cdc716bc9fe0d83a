// Package sessions owns the broadcast session records and their lifecycle
// state machine.
package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitlive/backend/internal/changefeed"
	"github.com/orbitlive/backend/internal/models"
)

const sessionColumns = `id, creator_id, type, status, title, is_private, max_participants,
	room_reference, scheduled_at, started_at, ended_at, end_reason, peak_viewers,
	total_duration_seconds, created_at, updated_at`

// Repository handles sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
	feed *changefeed.Publisher
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool, feed *changefeed.Publisher) *Repository {
	return &Repository{pool: pool, feed: feed}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.CreatorID, &s.Type, &s.Status, &s.Title, &s.IsPrivate,
		&s.MaxParticipants, &s.RoomReference, &s.ScheduledAt, &s.StartedAt, &s.EndedAt,
		&s.EndReason, &s.PeakViewers, &s.TotalDurationSeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new scheduled session with a fresh room reference.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	if s.RoomReference == "" {
		s.RoomReference = uuid.New().String()
	}
	const q = `INSERT INTO sessions (id, creator_id, type, status, title, is_private, max_participants, room_reference, scheduled_at)
		VALUES (gen_random_uuid(), $1, $2, 'scheduled', $3, $4, $5, $6, $7)
		RETURNING id, status, peak_viewers, total_duration_seconds, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, s.CreatorID, s.Type, s.Title, s.IsPrivate, s.MaxParticipants, s.RoomReference, s.ScheduledAt).
		Scan(&s.ID, &s.Status, &s.PeakViewers, &s.TotalDurationSeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return err
	}
	r.feed.Publish(changefeed.TableSessions, changefeed.EventInsert, s)
	return nil
}

// GetByID returns a session by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetByRoomRef returns the session owning a media room reference, or nil.
func (r *Repository) GetByRoomRef(ctx context.Context, roomRef string) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE room_reference = $1`, roomRef))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// StartIfScheduled transitions scheduled -> live via compare-and-set.
// Returns the session and whether this call performed the transition.
func (r *Repository) StartIfScheduled(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	const q = `UPDATE sessions SET status = 'live', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, at))
	if err == pgx.ErrNoRows {
		s, err = r.GetByID(ctx, id)
		return s, false, err
	}
	if err != nil {
		return nil, false, err
	}
	r.feed.Publish(changefeed.TableSessions, changefeed.EventUpdate, s)
	return s, true, nil
}

// EndIfLive transitions live -> ended via compare-and-set, recording the
// end reason and total duration. Returns the session and whether this call
// performed the transition; losing the race returns the current row.
func (r *Repository) EndIfLive(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Session, bool, error) {
	const q = `UPDATE sessions SET status = 'ended', ended_at = $2, end_reason = $3,
		total_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))::BIGINT),
		updated_at = NOW()
		WHERE id = $1 AND status = 'live'
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, at, reason))
	if err == pgx.ErrNoRows {
		s, err = r.GetByID(ctx, id)
		return s, false, err
	}
	if err != nil {
		return nil, false, err
	}
	r.feed.Publish(changefeed.TableSessions, changefeed.EventUpdate, s)
	return s, true, nil
}

// MarkHostDisconnectedIfLive transitions live -> host_disconnected via
// compare-and-set when the grace window elapses without a host reconnect.
func (r *Repository) MarkHostDisconnectedIfLive(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, bool, error) {
	const q = `UPDATE sessions SET status = 'host_disconnected', ended_at = $2, end_reason = 'host_disconnected',
		total_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))::BIGINT),
		updated_at = NOW()
		WHERE id = $1 AND status = 'live'
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, at))
	if err == pgx.ErrNoRows {
		s, err = r.GetByID(ctx, id)
		return s, false, err
	}
	if err != nil {
		return nil, false, err
	}
	r.feed.Publish(changefeed.TableSessions, changefeed.EventUpdate, s)
	return s, true, nil
}

// RaisePeakViewers lifts peak_viewers to count when count exceeds the
// stored maximum. The guard keeps the column monotonic under concurrent
// join/leave churn.
func (r *Repository) RaisePeakViewers(ctx context.Context, id uuid.UUID, count int) error {
	const q = `UPDATE sessions SET peak_viewers = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'live' AND $2 > peak_viewers`
	tag, err := r.pool.Exec(ctx, q, id, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		if s, err := r.GetByID(ctx, id); err == nil && s != nil {
			r.feed.Publish(changefeed.TableSessions, changefeed.EventUpdate, s)
		}
	}
	return nil
}

// ListLiveByCreator returns the creator's currently-live sessions.
func (r *Repository) ListLiveByCreator(ctx context.Context, creatorID uuid.UUID) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE creator_id = $1 AND status = 'live' ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status    *models.SessionStatus
	Type      *models.SessionType
	CreatorID *uuid.UUID
	From      *time.Time
	To        *time.Time
}

// List returns sessions matching the filter and time window, newest first, paginated.
func (r *Repository) List(ctx context.Context, f ListFilter, limit, offset int) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR type = $2)
		  AND ($3::uuid IS NULL OR creator_id = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC LIMIT $6 OFFSET $7`
	var status, typ *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	if f.Type != nil {
		s := string(*f.Type)
		typ = &s
	}
	rows, err := r.pool.Query(ctx, q, status, typ, f.CreatorID, f.From, f.To, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
