// Package reports owns trust-and-safety reports filed against participants.
package reports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitlive/backend/internal/changefeed"
	"github.com/orbitlive/backend/internal/models"
)

const reportColumns = `id, session_id, reporter_id, reported_user_id, reason, description,
	status, action_taken, review_notes, reviewed_by, reviewed_at, created_at`

// Repository handles reports persistence.
type Repository struct {
	pool *pgxpool.Pool
	feed *changefeed.Publisher
}

// NewRepository creates a reports repository.
func NewRepository(pool *pgxpool.Pool, feed *changefeed.Publisher) *Repository {
	return &Repository{pool: pool, feed: feed}
}

func scanReport(row pgx.Row) (*models.Report, error) {
	var rep models.Report
	err := row.Scan(&rep.ID, &rep.SessionID, &rep.ReporterID, &rep.ReportedUserID, &rep.Reason,
		&rep.Description, &rep.Status, &rep.ActionTaken, &rep.ReviewNotes, &rep.ReviewedBy,
		&rep.ReviewedAt, &rep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// Create inserts a new pending report.
func (r *Repository) Create(ctx context.Context, rep *models.Report) error {
	const q = `INSERT INTO reports (id, session_id, reporter_id, reported_user_id, reason, description, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, 'pending')
		RETURNING id, status, created_at`
	err := r.pool.QueryRow(ctx, q, rep.SessionID, rep.ReporterID, rep.ReportedUserID, rep.Reason, rep.Description).
		Scan(&rep.ID, &rep.Status, &rep.CreatedAt)
	if err != nil {
		return err
	}
	r.feed.Publish(changefeed.TableReports, changefeed.EventInsert, rep)
	return nil
}

// GetByID returns a report by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	rep, err := scanReport(r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rep, err
}

// CloseIfPending transitions pending -> status via compare-and-set,
// stamping reviewed_by/reviewed_at and the action taken. The pending guard
// makes the transition exactly-once under concurrent reviewers: the loser
// observes performed=false with the already-closed row.
func (r *Repository) CloseIfPending(ctx context.Context, id uuid.UUID, status models.ReportStatus, action models.ReportAction, reviewedBy uuid.UUID, notes string, at time.Time) (*models.Report, bool, error) {
	const q = `UPDATE reports SET status = $2, action_taken = $3, review_notes = NULLIF($4, ''), reviewed_by = $5, reviewed_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + reportColumns
	rep, err := scanReport(r.pool.QueryRow(ctx, q, id, status, action, notes, reviewedBy, at))
	if err == pgx.ErrNoRows {
		rep, err = r.GetByID(ctx, id)
		return rep, false, err
	}
	if err != nil {
		return nil, false, err
	}
	r.feed.Publish(changefeed.TableReports, changefeed.EventUpdate, rep)
	return rep, true, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	SessionID      *uuid.UUID
	ReportedUserID *uuid.UUID
	Status         *models.ReportStatus
}

// List returns reports matching the filter, newest first, paginated.
func (r *Repository) List(ctx context.Context, f ListFilter, limit, offset int) ([]models.Report, error) {
	const q = `SELECT ` + reportColumns + ` FROM reports
		WHERE ($1::uuid IS NULL OR session_id = $1)
		  AND ($2::uuid IS NULL OR reported_user_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC LIMIT $4 OFFSET $5`
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	rows, err := r.pool.Query(ctx, q, f.SessionID, f.ReportedUserID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rep)
	}
	return list, rows.Err()
}
