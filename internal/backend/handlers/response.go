package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"NetPulse/internal/backend/plugins"
	"NetPulse/internal/backend/services"
)

// SuccessResponse wraps data in the standard success envelope.
func SuccessResponse(message string, data any) gin.H {
	response := gin.H{
		"success":   true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	if data != nil {
		response["data"] = data
	}

	return response
}

// ErrorResponse builds the standard error envelope.
func ErrorResponse(code string, message string) gin.H {
	return gin.H{
		"success":   false,
		"error":     code,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; the first errors.Is match wins.
var errorMappings = []errorMapping{
	{services.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{services.ErrCapability, http.StatusBadRequest, "CAPABILITY_ERROR"},
	{services.ErrInvalidToken, http.StatusUnauthorized, "INVALID_TOKEN"},
	{services.ErrUnknownAgent, http.StatusNotFound, "UNKNOWN_AGENT"},
	{services.ErrAgentNotFound, http.StatusNotFound, "AGENT_NOT_FOUND"},
	{services.ErrAgentMismatch, http.StatusForbidden, "AGENT_MISMATCH"},
	{services.ErrAgentNotEligible, http.StatusConflict, "AGENT_NOT_ELIGIBLE"},
	{services.ErrBatchNotFound, http.StatusNotFound, "BATCH_NOT_FOUND"},
	{services.ErrTaskNotFound, http.StatusNotFound, "TASK_NOT_FOUND"},
	{services.ErrDefinitionNotFound, http.StatusNotFound, "DEFINITION_NOT_FOUND"},
	{services.ErrBatchState, http.StatusConflict, "BATCH_STATE_ERROR"},
	{services.ErrEmptyBatch, http.StatusConflict, "EMPTY_BATCH"},
	{services.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{services.ErrSchedulerNotRunning, http.StatusConflict, "SCHEDULER_NOT_RUNNING"},
	{services.ErrNoPluginAvailable, http.StatusUnprocessableEntity, "NO_PLUGIN_AVAILABLE"},
	{plugins.ErrPluginNotFound, http.StatusNotFound, "PLUGIN_NOT_FOUND"},
	{plugins.ErrIllegalStateTransition, http.StatusConflict, "ILLEGAL_STATE_TRANSITION"},
	{plugins.ErrDependencyCycle, http.StatusConflict, "DEPENDENCY_CYCLE"},
	{plugins.ErrPluginInUse, http.StatusConflict, "PLUGIN_IN_USE"},
}

// respondError maps a service error to its HTTP status and error code.
// Unmapped errors are logged and hidden behind a generic 500.
func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				h.logger.Error(op+" failed", "error", err)
			} else {
				h.logger.Debug(op+" rejected", "code", m.code, "error", err)
			}
			c.JSON(m.status, ErrorResponse(m.code, err.Error()))
			return
		}
	}

	h.logger.Error(op+" failed", "error", err, "path", c.Request.URL.Path)
	c.JSON(http.StatusInternalServerError, ErrorResponse("INTERNAL_ERROR", "Internal server error"))
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	h.logger.Warn("invalid request body", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse("VALIDATION_ERROR", "Invalid request body: "+err.Error()))
}
