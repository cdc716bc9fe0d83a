package sessions

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/bans"
	"github.com/orbitlive/backend/internal/middleware"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/internal/participants"
	"github.com/orbitlive/backend/pkg/response"
)

// Handler handles session HTTP endpoints.
type Handler struct {
	repo         *Repository
	tracker      *Tracker
	participants *participants.Repository
	policy       *bans.PolicyEngine
	logger       *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, tracker *Tracker, parts *participants.Repository, policy *bans.PolicyEngine, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, tracker: tracker, participants: parts, policy: policy, logger: logger}
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title           string  `json:"title" binding:"required"`
	Type            string  `json:"type" binding:"required,oneof=video audio screen"`
	IsPrivate       bool    `json:"is_private"`
	MaxParticipants int     `json:"max_participants"`
	ScheduledAt     *string `json:"scheduled_at"`
}

// Create handles POST /sessions (creator or admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	creatorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "invalid scheduled_at")
			return
		}
		scheduledAt = &t
	}

	s := &models.Session{
		CreatorID:       creatorID,
		Type:            models.SessionType(req.Type),
		Title:           req.Title,
		IsPrivate:       req.IsPrivate,
		MaxParticipants: req.MaxParticipants,
		ScheduledAt:     scheduledAt,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, s)
}

// List handles GET /sessions with status/type/creator/time-window filters.
func (h *Handler) List(c *gin.Context) {
	var f ListFilter
	if v := c.Query("status"); v != "" {
		status := models.SessionStatus(v)
		f.Status = &status
	}
	if v := c.Query("type"); v != "" {
		typ := models.SessionType(v)
		f.Type = &typ
	}
	if v := c.Query("creator_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid creator_id")
			return
		}
		f.CreatorID = &id
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(c, "invalid from")
			return
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(c, "invalid to")
			return
		}
		f.To = &t
	}
	limit, offset := pagination(c)

	list, err := h.repo.List(c.Request.Context(), f, limit, offset)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// Start handles POST /sessions/:id/start (session creator only).
func (h *Handler) Start(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if !h.requireCreator(c, id) {
		return
	}
	s, err := h.tracker.Start(c.Request.Context(), id)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, s)
}

// EndRequest is the body for POST /sessions/:id/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// End handles POST /sessions/:id/end (creator or moderator).
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "ended_by_host"
	}
	s, err := h.tracker.End(c.Request.Context(), id, reason)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.OK(c, s)
}

// JoinRequest is the body for POST /sessions/:id/join.
type JoinRequest struct {
	Role string `json:"role" binding:"omitempty,oneof=host co_host speaker viewer"`
}

// Join handles POST /sessions/:id/join. Restricted users are rejected
// before any membership row is written; the first host join takes a
// scheduled session live.
func (h *Handler) Join(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return
	}
	if s.Status.Terminal() {
		response.Conflict(c, "session already "+string(s.Status))
		return
	}

	restriction, err := h.policy.IsRestricted(c.Request.Context(), userID, s.ID, s.CreatorID, time.Now())
	if err != nil {
		response.Internal(c, "failed to evaluate restrictions")
		return
	}
	if restriction.Restricted {
		response.Forbidden(c, "user is banned ("+string(restriction.ActiveBan.BanType)+")")
		return
	}

	role := models.RoleViewer
	if req.Role != "" {
		role = models.ParticipantRole(req.Role)
	}
	if s.CreatorID == userID {
		role = models.RoleHost
	} else if role == models.RoleHost {
		response.Forbidden(c, "only the session creator joins as host")
		return
	}

	p, err := h.participants.Join(c.Request.Context(), s.ID, userID, role)
	if err != nil {
		h.logger.Error("join failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		response.Internal(c, "failed to join session")
		return
	}

	if role == models.RoleHost {
		if _, err := h.tracker.HostJoined(c.Request.Context(), s.ID); err != nil {
			h.logger.Warn("host join transition failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	h.bumpActiveCount(c, s.ID)

	response.Created(c, p)
}

// Leave handles POST /sessions/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	p, err := h.participants.GetActive(c.Request.Context(), id, userID)
	if err != nil {
		response.Internal(c, "failed to load participant")
		return
	}
	if p == nil {
		// Leaving without an active membership is a no-op.
		response.OK(c, gin.H{"left": false})
		return
	}
	if _, _, err := h.participants.DeactivateIfActive(c.Request.Context(), p.ID, "left", time.Now()); err != nil {
		response.Internal(c, "failed to leave session")
		return
	}
	h.bumpActiveCount(c, id)
	response.OK(c, gin.H{"left": true})
}

// Participants handles GET /sessions/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	activeOnly := c.DefaultQuery("active", "true") == "true"
	if activeOnly {
		list, err := h.participants.ListActiveBySession(c.Request.Context(), id)
		if err != nil {
			response.Internal(c, "failed to list participants")
			return
		}
		response.OK(c, list)
		return
	}
	limit, offset := pagination(c)
	list, err := h.participants.ListBySession(c.Request.Context(), id, limit, offset)
	if err != nil {
		response.Internal(c, "failed to list participants")
		return
	}
	response.OK(c, list)
}

func (h *Handler) requireCreator(c *gin.Context, sessionID uuid.UUID) bool {
	s, err := h.repo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load session")
		return false
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.MustGet(middleware.ContextUserRole).(string)
	if s.CreatorID != userID && role != string(models.RoleAdmin) {
		response.Forbidden(c, "only the session creator can do this")
		return false
	}
	return true
}

func (h *Handler) bumpActiveCount(c *gin.Context, sessionID uuid.UUID) {
	count, err := h.participants.CountActiveBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Warn("active count failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	h.tracker.ActiveCountChanged(c.Request.Context(), sessionID, count)
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
