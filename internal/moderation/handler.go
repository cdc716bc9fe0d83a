package moderation

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orbitlive/backend/internal/middleware"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/pkg/response"
)

// Handler exposes the moderation verbs over HTTP.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a moderation handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// ReviewRequest is the body for dismiss/warn.
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// Dismiss handles POST /moderation/reports/:id/dismiss.
func (h *Handler) Dismiss(c *gin.Context) {
	reportID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	moderatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.coord.Dismiss(c.Request.Context(), reportID, moderatorID, req.Notes)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, res)
}

// Warn handles POST /moderation/reports/:id/warn.
func (h *Handler) Warn(c *gin.Context) {
	reportID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	moderatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.coord.Warn(c.Request.Context(), reportID, moderatorID, req.Notes)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, res)
}

// KickRequest is the body for POST /moderation/kick.
type KickRequest struct {
	ParticipantID string  `json:"participant_id" binding:"required,uuid"`
	Reason        string  `json:"reason" binding:"required"`
	ReportID      *string `json:"report_id"`
}

// Kick handles POST /moderation/kick.
func (h *Handler) Kick(c *gin.Context) {
	var req KickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		response.BadRequest(c, "invalid participant_id")
		return
	}
	reportID, ok := parseOptionalUUID(req.ReportID)
	if !ok {
		response.BadRequest(c, "invalid report_id")
		return
	}
	moderatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.coord.Kick(c.Request.Context(), KickParams{
		ParticipantID: participantID,
		ModeratorID:   moderatorID,
		Reason:        req.Reason,
		ReportID:      reportID,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, res)
}

// BanRequest is the body for POST /moderation/ban.
type BanRequest struct {
	TargetUserID    string  `json:"target_user_id" binding:"required,uuid"`
	BanType         string  `json:"ban_type" binding:"required,oneof=session creator global"`
	SessionID       *string `json:"session_id"`
	CreatorID       *string `json:"creator_id"`
	DurationMinutes *int    `json:"duration_minutes"`
	Reason          string  `json:"reason" binding:"required"`
	ReportID        *string `json:"report_id"`
}

// Ban handles POST /moderation/ban.
func (h *Handler) Ban(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		response.BadRequest(c, "invalid target_user_id")
		return
	}
	sessionID, ok := parseOptionalUUID(req.SessionID)
	if !ok {
		response.BadRequest(c, "invalid session_id")
		return
	}
	creatorID, ok := parseOptionalUUID(req.CreatorID)
	if !ok {
		response.BadRequest(c, "invalid creator_id")
		return
	}
	reportID, ok := parseOptionalUUID(req.ReportID)
	if !ok {
		response.BadRequest(c, "invalid report_id")
		return
	}
	moderatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.coord.Ban(c.Request.Context(), BanParams{
		TargetUserID:    targetID,
		ModeratorID:     moderatorID,
		BanType:         models.BanScope(req.BanType),
		SessionID:       sessionID,
		CreatorID:       creatorID,
		DurationMinutes: req.DurationMinutes,
		Reason:          req.Reason,
		ReportID:        reportID,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, res)
}

// LiftBanRequest is the body for POST /moderation/bans/:id/lift.
type LiftBanRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// LiftBan handles POST /moderation/bans/:id/lift.
func (h *Handler) LiftBan(c *gin.Context) {
	banID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid ban id")
		return
	}
	var req LiftBanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	moderatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	res, err := h.coord.LiftBan(c.Request.Context(), banID, moderatorID, req.Reason)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, res)
}

func parseOptionalUUID(s *string) (*uuid.UUID, bool) {
	if s == nil || *s == "" {
		return nil, true
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, false
	}
	return &id, true
}
