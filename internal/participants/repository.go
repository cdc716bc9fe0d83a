// Package participants owns session membership rows. Deactivation is a
// compare-and-set on is_active so per-participant transitions stay
// linearizable without a global lock.
package participants

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitlive/backend/internal/changefeed"
	"github.com/orbitlive/backend/internal/models"
)

const participantColumns = `id, session_id, user_id, role, is_active, is_muted, is_hand_raised,
	joined_at, left_at, left_reason, room_participant_reference`

// Repository handles participants persistence.
type Repository struct {
	pool *pgxpool.Pool
	feed *changefeed.Publisher
}

// NewRepository creates a participants repository.
func NewRepository(pool *pgxpool.Pool, feed *changefeed.Publisher) *Repository {
	return &Repository{pool: pool, feed: feed}
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Role, &p.IsActive, &p.IsMuted,
		&p.IsHandRaised, &p.JoinedAt, &p.LeftAt, &p.LeftReason, &p.RoomParticipantReference)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Join inserts an active membership row. When the user already holds an
// active row in the session (partial unique index), the existing row is
// returned instead.
func (r *Repository) Join(ctx context.Context, sessionID, userID uuid.UUID, role models.ParticipantRole) (*models.Participant, error) {
	p := &models.Participant{
		SessionID:                sessionID,
		UserID:                   userID,
		Role:                     role,
		IsActive:                 true,
		RoomParticipantReference: uuid.New().String(),
	}
	const q = `INSERT INTO participants (id, session_id, user_id, role, is_active, room_participant_reference)
		VALUES (gen_random_uuid(), $1, $2, $3, TRUE, $4)
		RETURNING id, joined_at`
	err := r.pool.QueryRow(ctx, q, sessionID, userID, role, p.RoomParticipantReference).Scan(&p.ID, &p.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.GetActive(ctx, sessionID, userID)
		}
		return nil, err
	}
	r.feed.Publish(changefeed.TableParticipants, changefeed.EventInsert, p)
	return p, nil
}

// GetByID returns a participant by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetActive returns the user's active membership in a session, or nil.
func (r *Repository) GetActive(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM participants
		WHERE session_id = $1 AND user_id = $2 AND is_active`
	p, err := scanParticipant(r.pool.QueryRow(ctx, q, sessionID, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// DeactivateIfActive closes a membership via compare-and-set on is_active.
// Returns the row and whether this call performed the transition; a
// concurrent caller losing the race observes performed=false with the
// already-closed row.
func (r *Repository) DeactivateIfActive(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Participant, bool, error) {
	const q = `UPDATE participants SET is_active = FALSE, left_at = $2, left_reason = $3
		WHERE id = $1 AND is_active
		RETURNING ` + participantColumns
	p, err := scanParticipant(r.pool.QueryRow(ctx, q, id, at, reason))
	if err == pgx.ErrNoRows {
		p, err = r.GetByID(ctx, id)
		return p, false, err
	}
	if err != nil {
		return nil, false, err
	}
	r.feed.Publish(changefeed.TableParticipants, changefeed.EventUpdate, p)
	return p, true, nil
}

// DeactivateAllForSession closes every active membership in a session
// (used when the session reaches a terminal state).
func (r *Repository) DeactivateAllForSession(ctx context.Context, sessionID uuid.UUID, reason string, at time.Time) (int64, error) {
	const q = `UPDATE participants SET is_active = FALSE, left_at = $2, left_reason = $3
		WHERE session_id = $1 AND is_active`
	tag, err := r.pool.Exec(ctx, q, sessionID, at, reason)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() > 0 {
		r.feed.Publish(changefeed.TableParticipants, changefeed.EventUpdate,
			map[string]any{"session_id": sessionID, "closed": tag.RowsAffected()})
	}
	return tag.RowsAffected(), nil
}

// ListActiveBySession returns the active memberships of a session.
func (r *Repository) ListActiveBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM participants
		WHERE session_id = $1 AND is_active ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// ListActiveByUser returns the user's active memberships across all sessions.
func (r *Repository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM participants
		WHERE user_id = $1 AND is_active ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// CountActiveBySession returns the number of active memberships in a session.
func (r *Repository) CountActiveBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND is_active`, sessionID).Scan(&n)
	return n, err
}

// ListBySession returns all memberships of a session, newest first, paginated.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]models.Participant, error) {
	const q = `SELECT ` + participantColumns + ` FROM participants
		WHERE session_id = $1 ORDER BY joined_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func collectParticipants(rows pgx.Rows) ([]models.Participant, error) {
	var list []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}
