// Package moderation executes the moderation verbs (dismiss, warn, kick,
// ban, lift-ban) as idempotent operations spanning the record store, the
// media backend, and the ban policy engine.
package moderation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/apperrors"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/pkg/queue"
)

// ParticipantStore is the participant persistence surface the coordinator drives.
type ParticipantStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	DeactivateIfActive(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*models.Participant, bool, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error)
}

// SessionStore resolves sessions for scope checks and room references.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// ReportStore closes reports exactly-once.
type ReportStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Report, error)
	CloseIfPending(ctx context.Context, id uuid.UUID, status models.ReportStatus, action models.ReportAction, reviewedBy uuid.UUID, notes string, at time.Time) (*models.Report, bool, error)
}

// BanStore creates and lifts ban records.
type BanStore interface {
	Create(ctx context.Context, b *models.BanRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BanRecord, error)
	Lift(ctx context.Context, id, liftedBy uuid.UUID, reason string, now time.Time) (*models.BanRecord, error)
}

// MediaBackend severs live connections.
type MediaBackend interface {
	DropConnection(ctx context.Context, roomRef, participantRef string) error
}

// RealtimeGateway severs a kicked user's websocket connections to a
// session, so a removed participant cannot keep chatting while only the
// media peer was dropped.
type RealtimeGateway interface {
	DisconnectUserFromSession(sessionID, userID uuid.UUID)
}

// Notifier delivers fire-and-forget user notifications.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, template string, payload map[string]any)
}

// DropQueue receives deferred drop jobs after inline retries are exhausted.
type DropQueue interface {
	EnqueueDropRetry(ctx context.Context, payload queue.DropConnectionPayload) error
}

// Result is the outcome of a moderation verb. Degraded marks a verb whose
// authoritative state change committed but whose external effect (media
// drop) is still pending, so operators can flag sessions needing cleanup.
type Result struct {
	Applied       bool       `json:"applied"`
	Degraded      bool       `json:"degraded"`
	Message       string     `json:"message"`
	ReportID      *uuid.UUID `json:"report_id,omitempty"`
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	BanID         *uuid.UUID `json:"ban_id,omitempty"`
}

// Config tunes the inline media-drop retry loop.
type Config struct {
	DropRetryAttempts int
	DropRetryBackoff  time.Duration
}

// Coordinator executes moderation verbs. Every verb is safe under
// concurrent invocation: transitions are state-guarded compare-and-set
// updates on the persisted rows, and the store write is the durability
// boundary past which a verb is not cancellable.
type Coordinator struct {
	participants ParticipantStore
	sessions     SessionStore
	reports      ReportStore
	bans         BanStore
	media        MediaBackend
	realtime     RealtimeGateway
	notifier     Notifier
	drops        DropQueue
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

// NewCoordinator creates a moderation coordinator.
func NewCoordinator(participants ParticipantStore, sessions SessionStore, reports ReportStore, bans BanStore, media MediaBackend, notifier Notifier, drops DropQueue, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.DropRetryAttempts <= 0 {
		cfg.DropRetryAttempts = 3
	}
	if cfg.DropRetryBackoff <= 0 {
		cfg.DropRetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		participants: participants,
		sessions:     sessions,
		reports:      reports,
		bans:         bans,
		media:        media,
		notifier:     notifier,
		drops:        drops,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// SetRealtime attaches the websocket gateway kicked users are removed
// from. Optional; without it kicks only drop the media connection.
func (c *Coordinator) SetRealtime(rt RealtimeGateway) {
	c.realtime = rt
}

// Dismiss closes a report as dismissed with no action and no external
// effect. Dismissing an already-dismissed report is a no-op success.
func (c *Coordinator) Dismiss(ctx context.Context, reportID, moderatorID uuid.UUID, notes string) (Result, error) {
	rep, performed, err := c.reports.CloseIfPending(ctx, reportID, models.ReportDismissed, models.ActionNone, moderatorID, notes, c.now())
	if err != nil {
		return Result{}, apperrors.Persistence("dismiss report", err)
	}
	if rep == nil {
		return Result{}, apperrors.NotFound("report")
	}
	if !performed && rep.Status != models.ReportDismissed {
		return Result{}, apperrors.Conflict("report already " + string(rep.Status))
	}
	return Result{Applied: true, Message: "report dismissed", ReportID: &rep.ID}, nil
}

// Warn closes a report as resolved with a warning and sends a best-effort
// notification to the reported user. Notification failures never roll back
// the report resolution.
func (c *Coordinator) Warn(ctx context.Context, reportID, moderatorID uuid.UUID, notes string) (Result, error) {
	rep, performed, err := c.reports.CloseIfPending(ctx, reportID, models.ReportResolved, models.ActionWarn, moderatorID, notes, c.now())
	if err != nil {
		return Result{}, apperrors.Persistence("resolve report", err)
	}
	if rep == nil {
		return Result{}, apperrors.NotFound("report")
	}
	if !performed {
		if rep.Status == models.ReportResolved && rep.ActionTaken != nil && *rep.ActionTaken == models.ActionWarn {
			return Result{Applied: true, Message: "user already warned", ReportID: &rep.ID}, nil
		}
		return Result{}, apperrors.Conflict("report already " + string(rep.Status))
	}
	if c.notifier != nil {
		c.notifier.Notify(ctx, rep.ReportedUserID, "moderation_warning", map[string]any{
			"session_id": rep.SessionID,
			"reason":     rep.Reason,
		})
	}
	return Result{Applied: true, Message: "user warned", ReportID: &rep.ID}, nil
}

// KickParams identifies the kick target and the originating report, if any.
type KickParams struct {
	ParticipantID uuid.UUID
	ModeratorID   uuid.UUID
	Reason        string
	ReportID      *uuid.UUID
}

// Kick marks a participant inactive and severs their live connection.
// Kicking an already-inactive participant is a no-op success; concurrent
// calls race the compare-and-set and only the winner issues a drop call.
func (c *Coordinator) Kick(ctx context.Context, p KickParams) (Result, error) {
	res, err := c.kick(ctx, p.ParticipantID, p.Reason)
	if err != nil {
		return Result{}, err
	}
	if p.ReportID != nil {
		rep, _, err := c.reports.CloseIfPending(ctx, *p.ReportID, models.ReportResolved, models.ActionKick, p.ModeratorID, p.Reason, c.now())
		if err != nil {
			c.logger.Warn("resolve report after kick failed", zap.String("report_id", p.ReportID.String()), zap.Error(err))
		} else if rep != nil {
			res.ReportID = &rep.ID
		}
	}
	return res, nil
}

// kick performs the state transition plus the media drop for one participant.
func (c *Coordinator) kick(ctx context.Context, participantID uuid.UUID, reason string) (Result, error) {
	part, performed, err := c.participants.DeactivateIfActive(ctx, participantID, reason, c.now())
	if err != nil {
		return Result{}, apperrors.Persistence("deactivate participant", err)
	}
	if part == nil {
		// Absent target: treated as already removed.
		return Result{Applied: true, Message: "participant not found; already removed"}, nil
	}
	if !performed {
		return Result{Applied: true, Message: "participant already inactive", ParticipantID: &part.ID}, nil
	}

	if c.realtime != nil {
		c.realtime.DisconnectUserFromSession(part.SessionID, part.UserID)
	}

	session, err := c.sessions.GetByID(ctx, part.SessionID)
	if err != nil || session == nil {
		c.logger.Warn("session lookup for drop failed", zap.String("participant_id", part.ID.String()), zap.Error(err))
		return Result{Applied: true, Degraded: true, Message: "participant removed; drop skipped (session unknown)", ParticipantID: &part.ID}, nil
	}

	if dropped := c.dropWithRetry(ctx, session.RoomReference, part, reason); !dropped {
		return Result{Applied: true, Degraded: true, Message: "participant removed; connection drop deferred", ParticipantID: &part.ID}, nil
	}
	return Result{Applied: true, Message: "participant removed", ParticipantID: &part.ID}, nil
}

// dropWithRetry attempts the media drop with bounded backoff. On
// exhaustion the drop is handed to the retry queue and the verb reports a
// degraded success: the store is authoritative even if the live connection
// lingers.
func (c *Coordinator) dropWithRetry(ctx context.Context, roomRef string, part *models.Participant, reason string) bool {
	var lastErr error
loop:
	for attempt := 0; attempt < c.cfg.DropRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break loop
			case <-time.After(c.cfg.DropRetryBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = c.media.DropConnection(ctx, roomRef, part.RoomParticipantReference); lastErr == nil {
			return true
		}
	}
	c.logger.Warn("media drop failed, deferring to retry queue",
		zap.String("participant_id", part.ID.String()),
		zap.String("room_ref", roomRef),
		zap.Error(lastErr))
	if c.drops != nil {
		err := c.drops.EnqueueDropRetry(context.WithoutCancel(ctx), queue.DropConnectionPayload{
			SessionID:      part.SessionID,
			ParticipantID:  part.ID,
			RoomRef:        roomRef,
			ParticipantRef: part.RoomParticipantReference,
			Reason:         reason,
		})
		if err != nil {
			c.logger.Error("drop retry enqueue failed", zap.String("participant_id", part.ID.String()), zap.Error(err))
		}
	}
	return false
}

// BanParams describes a ban verb invocation. SessionID is the originating
// session; for session scope it is the banned session, for creator scope it
// resolves the creator when CreatorID is not given.
type BanParams struct {
	TargetUserID    uuid.UUID
	ModeratorID     uuid.UUID
	BanType         models.BanScope
	SessionID       *uuid.UUID
	CreatorID       *uuid.UUID
	DurationMinutes *int
	Reason          string
	ReportID        *uuid.UUID
}

// Ban writes a ban record and then removes the user from every live
// session the scope covers. The record write and the kicks form one
// logical unit that fails closed: once the record commits, the ban is in
// force regardless of drop failures, and failed drops are retried.
func (c *Coordinator) Ban(ctx context.Context, p BanParams) (Result, error) {
	record, err := c.buildRecord(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if err := c.bans.Create(ctx, record); err != nil {
		// No kick is issued when the record write fails.
		return Result{}, apperrors.Persistence("create ban record", err)
	}

	degraded := false
	memberships, err := c.participants.ListActiveByUser(ctx, p.TargetUserID)
	if err != nil {
		c.logger.Error("list active participants for ban failed", zap.String("user_id", p.TargetUserID.String()), zap.Error(err))
		degraded = true
	}
	for i := range memberships {
		m := &memberships[i]
		inScope, err := c.membershipInScope(ctx, record, m)
		if err != nil {
			c.logger.Warn("ban scope check failed", zap.String("participant_id", m.ID.String()), zap.Error(err))
			degraded = true
			continue
		}
		if !inScope {
			continue
		}
		res, err := c.kick(ctx, m.ID, "banned: "+p.Reason)
		if err != nil {
			c.logger.Error("ban kick failed", zap.String("participant_id", m.ID.String()), zap.Error(err))
			degraded = true
			continue
		}
		degraded = degraded || res.Degraded
	}

	result := Result{Applied: true, Degraded: degraded, Message: "user banned", BanID: &record.ID}
	if p.ReportID != nil {
		rep, _, err := c.reports.CloseIfPending(ctx, *p.ReportID, models.ReportResolved, models.ActionBan, p.ModeratorID, p.Reason, c.now())
		if err != nil {
			c.logger.Warn("resolve report after ban failed", zap.String("report_id", p.ReportID.String()), zap.Error(err))
		} else if rep != nil {
			result.ReportID = &rep.ID
		}
	}
	if c.notifier != nil {
		c.notifier.Notify(ctx, p.TargetUserID, "moderation_ban", map[string]any{
			"ban_type": record.BanType,
			"reason":   record.Reason,
		})
	}
	return result, nil
}

func (c *Coordinator) buildRecord(ctx context.Context, p BanParams) (*models.BanRecord, error) {
	if p.Reason == "" {
		return nil, apperrors.Validation("reason is required")
	}
	if p.DurationMinutes != nil && *p.DurationMinutes <= 0 {
		return nil, apperrors.Validation("duration_minutes must be positive")
	}
	record := &models.BanRecord{
		BannedUserID: p.TargetUserID,
		BannedBy:     p.ModeratorID,
		Reason:       p.Reason,
		BanType:      p.BanType,
	}
	if p.DurationMinutes != nil {
		t := c.now().Add(time.Duration(*p.DurationMinutes) * time.Minute)
		record.ExpiresAt = &t
	}
	switch p.BanType {
	case models.BanScopeSession:
		if p.SessionID == nil {
			return nil, apperrors.Validation("session_id is required for session-scope bans")
		}
		record.SessionID = p.SessionID
	case models.BanScopeCreator:
		record.CreatorID = p.CreatorID
		if record.CreatorID == nil {
			if p.SessionID == nil {
				return nil, apperrors.Validation("creator_id or session_id is required for creator-scope bans")
			}
			s, err := c.sessions.GetByID(ctx, *p.SessionID)
			if err != nil {
				return nil, apperrors.Persistence("resolve creator", err)
			}
			if s == nil {
				return nil, apperrors.NotFound("session")
			}
			record.CreatorID = &s.CreatorID
		}
	case models.BanScopeGlobal:
		// No narrowing fields.
	default:
		return nil, apperrors.Validation("unknown ban_type")
	}
	return record, nil
}

// membershipInScope reports whether an active membership falls under the
// ban record's scope: one session, every live session of one creator, or
// everything.
func (c *Coordinator) membershipInScope(ctx context.Context, record *models.BanRecord, m *models.Participant) (bool, error) {
	switch record.BanType {
	case models.BanScopeGlobal:
		return true, nil
	case models.BanScopeSession:
		return record.SessionID != nil && m.SessionID == *record.SessionID, nil
	case models.BanScopeCreator:
		s, err := c.sessions.GetByID(ctx, m.SessionID)
		if err != nil {
			return false, err
		}
		return s != nil && record.CreatorID != nil && s.CreatorID == *record.CreatorID, nil
	}
	return false, nil
}

// LiftBan deactivates a ban and stamps the audit fields. Lifting an
// already-expired or already-lifted ban succeeds idempotently; kicked
// participants are not resurrected.
func (c *Coordinator) LiftBan(ctx context.Context, banID, moderatorID uuid.UUID, reason string) (Result, error) {
	record, err := c.bans.Lift(ctx, banID, moderatorID, reason, c.now())
	if err != nil {
		return Result{}, apperrors.Persistence("lift ban", err)
	}
	if record == nil {
		return Result{}, apperrors.NotFound("ban record")
	}
	return Result{Applied: true, Message: "ban lifted", BanID: &record.ID}, nil
}
