package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
)

// retryAfterSeconds is suggested to clients that lost a lock race.
const retryAfterSeconds = "1"

// Envelope wraps every JSON response.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Error   *ErrorBody `json:"error"`
}

// ErrorBody describes a failed request. Details carries per-field
// validation messages.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Error: &ErrorBody{Code: code, Message: message}})
}

// respondServiceError maps error kinds to HTTP responses. Internal faults
// are logged and never exposed.
func respondServiceError(c *gin.Context, err error, logger *slog.Logger) {
	var verr *shelferrors.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, Envelope{Error: &ErrorBody{
			Code:    "INVALID_INPUT",
			Message: verr.Message,
			Details: verr.Fields,
		}})
	case errors.Is(err, shelferrors.ErrValidation):
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, shelferrors.ErrLockNotAcquired):
		c.Header("Retry-After", retryAfterSeconds)
		respondError(c, http.StatusServiceUnavailable, "LOCK_NOT_ACQUIRED", "the request is being processed, try again")
	case errors.Is(err, shelferrors.ErrLockUnavailable):
		c.Header("Retry-After", retryAfterSeconds)
		respondError(c, http.StatusServiceUnavailable, "LOCK_UNAVAILABLE", "service temporarily unavailable")
	case errors.Is(err, shelferrors.ErrAlreadyRegistered):
		respondError(c, http.StatusConflict, "ALREADY_REGISTERED", "book is already in your library")
	case errors.Is(err, shelferrors.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "book not found in your library")
	case errors.Is(err, shelferrors.ErrVersionConflict):
		respondError(c, http.StatusConflict, "VERSION_CONFLICT", "the entry was modified concurrently, reload and retry")
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error")
	}
}
