package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"session-store/internal/shared/telemetry"
)

// ErrorBody defines the standardized error object.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error      ErrorBody `json:"error"`
	InstanceID string    `json:"instanceId,omitempty"`
}

// Error sends a standardized error response. Client errors are logged at
// warn level so that not-found lookups stay quiet.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("requestId"),
	}
	if sessionID := c.GetString("sessionId"); sessionID != "" {
		fields["session_id"] = sessionID
	}
	if op := c.GetString("operation"); op != "" {
		fields["operation"] = op
	}
	switch {
	case status >= http.StatusInternalServerError:
		telemetry.Error("http.error", fields)
	case status != http.StatusNotFound:
		telemetry.Warn("http.error", fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
		InstanceID: c.GetString("instanceId"),
	})
}
