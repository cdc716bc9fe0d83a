package response

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/orbitlive/backend/internal/apperrors"
)

// AppError maps a structured application error to its HTTP response.
func AppError(c *gin.Context, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		Internal(c, "internal error")
		return
	}
	switch ae.Code {
	case apperrors.CodeValidation:
		BadRequest(c, ae.Message)
	case apperrors.CodeNotFound:
		NotFound(c, ae.Message)
	case apperrors.CodeConflict:
		Conflict(c, ae.Message)
	case apperrors.CodeUnauthorized:
		Unauthorized(c, ae.Message)
	case apperrors.CodeForbidden:
		Forbidden(c, ae.Message)
	case apperrors.CodeExternalBackend:
		ServiceUnavailable(c, ae.Message)
	default:
		Internal(c, ae.Message)
	}
}
