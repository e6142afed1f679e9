package apihandlers

import (
	"errors"
	"net/http"

	"corpusflow/internal/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// APIError defines standard error response
// Example: { "error": { "code": "chunk_in_progress", "message": "...", "action": "already running, refresh to see progress" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError sends a structured error response
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.JSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// Convenience wrappers
func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

// JobFailure maps a job-level error onto a status, code and suggested action.
func JobFailure(ctx *gin.Context, err error) {
	status, code := classify(err)
	apiErr := APIError{Code: code, Message: err.Error(), Action: models.ActionFor(err)}
	var je *models.JobError
	if errors.As(err, &je) {
		apiErr.Code = je.Code
		apiErr.Message = je.Message
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", ctx.FullPath()).Error("Request failed")
	}
	ctx.JSON(status, errorResponse{Error: apiErr})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrActiveJobExists):
		return http.StatusConflict, "active_job_exists"
	case errors.Is(err, models.ErrChunkInProgress):
		return http.StatusConflict, "chunk_in_progress"
	case errors.Is(err, models.ErrCancelling):
		return http.StatusConflict, "cancelling"
	case errors.Is(err, models.ErrJobTerminal):
		return http.StatusConflict, "job_terminal"
	case errors.Is(err, models.ErrJobBusy):
		return http.StatusConflict, "job_busy"
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
