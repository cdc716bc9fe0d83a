package bans

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/pkg/response"
)

// Handler handles ban record HTTP endpoints.
type Handler struct {
	repo   *Repository
	engine *PolicyEngine
	logger *zap.Logger
}

// NewHandler creates a bans handler.
func NewHandler(repo *Repository, engine *PolicyEngine, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, engine: engine, logger: logger}
}

// List handles GET /bans with user/session/type filters (moderator only).
func (h *Handler) List(c *gin.Context) {
	var f ListFilter
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid user_id")
			return
		}
		f.UserID = &id
	}
	if v := c.Query("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		f.SessionID = &id
	}
	if v := c.Query("ban_type"); v != "" {
		scope := models.BanScope(v)
		f.BanType = &scope
	}
	f.ActiveOnly = c.Query("active") == "true"

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	list, err := h.repo.List(c.Request.Context(), f, limit, offset)
	if err != nil {
		response.Internal(c, "failed to list bans")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /bans/:id (moderator only).
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid ban id")
		return
	}
	b, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load ban")
		return
	}
	if b == nil {
		response.NotFound(c, "ban record not found")
		return
	}
	response.OK(c, b)
}

// Restriction handles GET /users/:id/restriction?session_id=X: answers
// whether the user may currently join the given session.
func (h *Handler) Restriction(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	creatorID, err := uuid.Parse(c.Query("creator_id"))
	if err != nil {
		response.BadRequest(c, "invalid creator_id")
		return
	}

	restriction, err := h.engine.IsRestricted(c.Request.Context(), userID, sessionID, creatorID, time.Now())
	if err != nil {
		h.logger.Error("restriction check failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to evaluate restrictions")
		return
	}
	response.OK(c, restriction)
}
