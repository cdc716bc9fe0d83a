package reports

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitlive/backend/internal/middleware"
	"github.com/orbitlive/backend/internal/models"
	"github.com/orbitlive/backend/pkg/response"
	"github.com/orbitlive/backend/pkg/storage"
)

// Store is the report persistence surface the handler drives.
type Store interface {
	Create(ctx context.Context, rep *models.Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Report, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]models.Report, error)
}

// ParticipantChecker resolves a user's active membership in a session.
// Reports may only be filed by participants of the reported session.
type ParticipantChecker interface {
	GetActive(ctx context.Context, sessionID, userID uuid.UUID) (*models.Participant, error)
}

// Handler handles report HTTP endpoints.
type Handler struct {
	repo         Store
	participants ParticipantChecker
	s3           *storage.S3
	logger       *zap.Logger
}

// NewHandler creates a reports handler. s3 may be nil when evidence
// storage is not configured; evidence endpoints then return 503.
func NewHandler(repo Store, participants ParticipantChecker, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, participants: participants, s3: s3, logger: logger}
}

// CreateRequest is the body for POST /reports.
type CreateRequest struct {
	SessionID      string `json:"session_id" binding:"required,uuid"`
	ReportedUserID string `json:"reported_user_id" binding:"required,uuid"`
	Reason         string `json:"reason" binding:"required"`
	Description    string `json:"description"`
}

// Create handles POST /reports.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sessionID, _ := uuid.Parse(req.SessionID)
	reportedID, _ := uuid.Parse(req.ReportedUserID)
	reporterID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	if reportedID == reporterID {
		response.BadRequest(c, "cannot report yourself")
		return
	}

	member, err := h.participants.GetActive(c.Request.Context(), sessionID, reporterID)
	if err != nil {
		h.logger.Error("participation check failed", zap.Error(err))
		response.Internal(c, "failed to verify participation")
		return
	}
	if member == nil {
		response.Forbidden(c, "only session participants can file reports")
		return
	}

	rep := &models.Report{
		SessionID:      sessionID,
		ReporterID:     reporterID,
		ReportedUserID: reportedID,
		Reason:         req.Reason,
		Description:    req.Description,
	}
	if err := h.repo.Create(c.Request.Context(), rep); err != nil {
		h.logger.Error("create report failed", zap.Error(err))
		response.Internal(c, "failed to create report")
		return
	}
	response.Created(c, rep)
}

// GetByID handles GET /reports/:id (moderator only).
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	rep, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load report")
		return
	}
	if rep == nil {
		response.NotFound(c, "report not found")
		return
	}
	response.OK(c, rep)
}

// List handles GET /reports with session/user/status filters (moderator only).
func (h *Handler) List(c *gin.Context) {
	var f ListFilter
	if v := c.Query("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		f.SessionID = &id
	}
	if v := c.Query("reported_user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid reported_user_id")
			return
		}
		f.ReportedUserID = &id
	}
	if v := c.Query("status"); v != "" {
		status := models.ReportStatus(v)
		f.Status = &status
	}
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
		response.Internal(c, "failed to list reports")
		return
	}
	response.OK(c, list)
}

// EvidenceUploadRequest is the body for POST /reports/:id/evidence.
type EvidenceUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

// EvidenceUploadURL handles POST /reports/:id/evidence: returns a
// presigned PUT URL for attaching a screenshot or recording clip.
func (h *Handler) EvidenceUploadURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "evidence storage not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	var req EvidenceUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !storage.ValidateEvidenceFileType(req.ContentType, req.Filename) {
		response.BadRequest(c, "unsupported evidence file type")
		return
	}
	rep, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load report")
		return
	}
	if rep == nil {
		response.NotFound(c, "report not found")
		return
	}

	key := storage.EvidenceKey(rep.ID.String(), req.Filename)
	url, err := h.s3.GeneratePresignedUploadURL(c.Request.Context(), h.s3.EvidenceBucket(), key, req.ContentType, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign evidence upload failed", zap.Error(err))
		response.Internal(c, "failed to presign upload")
		return
	}
	response.OK(c, gin.H{"upload_url": url, "key": key})
}

// EvidenceUpload handles POST /reports/:id/evidence/file: streams a
// multipart-uploaded file to storage server-side, for clients that cannot
// use the presigned PUT flow.
func (h *Handler) EvidenceUpload(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "evidence storage not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file")
		return
	}
	if header.Size > storage.MaxEvidenceFileSize {
		response.BadRequest(c, "evidence file too large")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !storage.ValidateEvidenceFileType(contentType, header.Filename) {
		response.BadRequest(c, "unsupported evidence file type")
		return
	}
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(header.Filename)
	}
	rep, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load report")
		return
	}
	if rep == nil {
		response.NotFound(c, "report not found")
		return
	}

	file, err := header.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer file.Close()

	key := storage.EvidenceKey(rep.ID.String(), header.Filename)
	url, err := h.s3.Upload(c.Request.Context(), h.s3.EvidenceBucket(), key, contentType, file, header.Size)
	if err != nil {
		h.logger.Error("evidence upload failed", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to store evidence")
		return
	}
	response.Created(c, gin.H{"key": key, "url": url})
}

// EvidenceDelete handles DELETE /reports/:id/evidence/:filename (moderator
// only): removes a stored evidence object, e.g. after a report is
// dismissed as unfounded.
func (h *Handler) EvidenceDelete(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "evidence storage not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	filename := c.Param("filename")
	if filename == "" {
		response.BadRequest(c, "missing filename")
		return
	}

	key := storage.EvidenceKey(id.String(), filename)
	if _, err := h.s3.HeadObject(c.Request.Context(), h.s3.EvidenceBucket(), key); err != nil {
		response.NotFound(c, "evidence object not found")
		return
	}
	if err := h.s3.DeleteObject(c.Request.Context(), h.s3.EvidenceBucket(), key); err != nil {
		h.logger.Error("evidence delete failed", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to delete evidence")
		return
	}
	response.NoContent(c)
}

// EvidenceDownloadURL handles GET /reports/:id/evidence/:key (moderator
// only): returns a presigned GET URL for a stored evidence object.
func (h *Handler) EvidenceDownloadURL(c *gin.Context) {
	if h.s3 == nil {
		response.ServiceUnavailable(c, "evidence storage not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	filename := c.Param("filename")
	if filename == "" {
		response.BadRequest(c, "missing filename")
		return
	}

	key := storage.EvidenceKey(id.String(), filename)
	if _, err := h.s3.HeadObject(c.Request.Context(), h.s3.EvidenceBucket(), key); err != nil {
		response.NotFound(c, "evidence object not found")
		return
	}
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.EvidenceBucket(), key, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign evidence download failed", zap.Error(err))
		response.Internal(c, "failed to presign download")
		return
	}
	response.OK(c, gin.H{"download_url": url})
}
