package middleware

import "github.com/gin-gonic/gin"

const (
	instanceIDKey    = "instanceId"
	instanceIDHeader = "X-Instance-Id"
)

// InstanceID stamps every response with the id of the serving instance.
func InstanceID(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(instanceIDKey, id)
		c.Writer.Header().Set(instanceIDHeader, id)
		c.Next()
	}
}

// InstanceIDFromContext fetches the id stored by InstanceID middleware.
func InstanceIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(instanceIDKey)
}
