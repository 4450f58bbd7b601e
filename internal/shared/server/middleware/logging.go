package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"session-store/internal/shared/metrics"
	"session-store/internal/shared/telemetry"
)

// Logging emits a structured log per request and counts it in metrics.
// The entry is written from a deferred call so requests that end in an
// aborting panic (a broken download stream) are still recorded.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			logRequest(c, time.Since(start))
		}()
		c.Next()
	}
}

func logRequest(c *gin.Context, latency time.Duration) {
	status := c.Writer.Status()

	metrics.ObserveHTTP(c.Request.Method, c.FullPath(), status)
	if c.FullPath() == "/metrics" {
		return
	}

	sessionID, _ := c.Get("sessionId")
	operation, _ := c.Get("operation")
	bytes, ok := c.Get("bytes")
	if !ok {
		bytes = int64(0)
	}

	telemetry.Info("request.complete", map[string]any{
		"request_id":  RequestIDFromContext(c),
		"instance_id": InstanceIDFromContext(c),
		"method":      c.Request.Method,
		"path":        c.Request.URL.Path,
		"status":      status,
		"duration_ms": float64(latency.Microseconds()) / 1000.0,
		"session_id":  sessionID,
		"operation":   operation,
		"bytes":       bytes,
		"client_ip":   c.ClientIP(),
		"user_agent":  c.Request.UserAgent(),
	})
}
