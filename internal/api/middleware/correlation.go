package middleware

import (
	"context"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerRequestID     = "X-Request-ID"
)

// Client-supplied ids must be short and token-like.
var correlationPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

type correlationKey struct{}

// CorrelationMiddleware assigns every request a correlation id. A well-formed
// X-Correlation-ID (or X-Request-ID) from the client is kept; anything else is
// replaced with a fresh UUID.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = c.GetHeader(headerRequestID)
		}
		if !correlationPattern.MatchString(correlationID) {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), correlationKey{}, correlationID))
		c.Header(headerCorrelationID, correlationID)

		c.Next()
	}
}

// CorrelationIDFrom returns the id stored by CorrelationMiddleware, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
