package bans

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitlive/backend/internal/changefeed"
	"github.com/orbitlive/backend/internal/models"
)

const banColumns = `id, session_id, creator_id, banned_user_id, banned_by, reason, ban_type,
	is_active, expires_at, lifted_at, lifted_by, lift_reason, created_at`

// Repository handles ban_records persistence.
type Repository struct {
	pool *pgxpool.Pool
	feed *changefeed.Publisher
}

// NewRepository creates a ban records repository.
func NewRepository(pool *pgxpool.Pool, feed *changefeed.Publisher) *Repository {
	return &Repository{pool: pool, feed: feed}
}

func scanBan(row pgx.Row) (*models.BanRecord, error) {
	var b models.BanRecord
	err := row.Scan(&b.ID, &b.SessionID, &b.CreatorID, &b.BannedUserID, &b.BannedBy, &b.Reason,
		&b.BanType, &b.IsActive, &b.ExpiresAt, &b.LiftedAt, &b.LiftedBy, &b.LiftReason, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Create inserts a new active ban record.
func (r *Repository) Create(ctx context.Context, b *models.BanRecord) error {
	const q = `INSERT INTO ban_records (id, session_id, creator_id, banned_user_id, banned_by, reason, ban_type, is_active, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, q, b.SessionID, b.CreatorID, b.BannedUserID, b.BannedBy, b.Reason, b.BanType, b.ExpiresAt).
		Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return err
	}
	b.IsActive = true
	r.feed.Publish(changefeed.TableBanRecords, changefeed.EventInsert, b)
	return nil
}

// GetByID returns a ban record by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.BanRecord, error) {
	b, err := scanBan(r.pool.QueryRow(ctx, `SELECT `+banColumns+` FROM ban_records WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// Lift deactivates a ban and stamps lifted_at/lifted_by. Lifting an
// already-expired record still succeeds and stamps the audit fields;
// lifting an already-lifted record returns the existing record unchanged.
func (r *Repository) Lift(ctx context.Context, id, liftedBy uuid.UUID, reason string, now time.Time) (*models.BanRecord, error) {
	const q = `UPDATE ban_records
		SET is_active = FALSE, lifted_at = $2, lifted_by = $3, lift_reason = $4
		WHERE id = $1 AND lifted_at IS NULL
		RETURNING ` + banColumns
	b, err := scanBan(r.pool.QueryRow(ctx, q, id, now, liftedBy, reason))
	if err == pgx.ErrNoRows {
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.feed.Publish(changefeed.TableBanRecords, changefeed.EventUpdate, b)
	return b, nil
}

// ListActiveForUser returns the user's candidate records for policy
// evaluation: stored-active and not past expiry at the given time.
func (r *Repository) ListActiveForUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.BanRecord, error) {
	const q = `SELECT ` + banColumns + ` FROM ban_records
		WHERE banned_user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}

// ListFilter narrows List results.
type ListFilter struct {
	UserID     *uuid.UUID
	SessionID  *uuid.UUID
	BanType    *models.BanScope
	ActiveOnly bool
}

// List returns ban records matching the filter, newest first, paginated.
func (r *Repository) List(ctx context.Context, f ListFilter, limit, offset int) ([]models.BanRecord, error) {
	const q = `SELECT ` + banColumns + ` FROM ban_records
		WHERE ($1::uuid IS NULL OR banned_user_id = $1)
		  AND ($2::uuid IS NULL OR session_id = $2)
		  AND ($3::text IS NULL OR ban_type = $3)
		  AND (NOT $4 OR is_active)
		ORDER BY created_at DESC LIMIT $5 OFFSET $6`
	var banType *string
	if f.BanType != nil {
		s := string(*f.BanType)
		banType = &s
	}
	rows, err := r.pool.Query(ctx, q, f.UserID, f.SessionID, banType, f.ActiveOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}
