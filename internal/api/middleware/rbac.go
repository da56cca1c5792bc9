package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reconiq/quote-engine/internal/api/response"
)

// RequireRole rejects requests whose JWT role is not one of allowedRoles.
// It must run after AuthMiddleware.
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, ok := c.Get("role")
		if !ok {
			response.Forbidden(c, "user role not found in context")
			c.Abort()
			return
		}
		userRole, ok := role.(string)
		if !ok {
			response.Forbidden(c, "invalid role format")
			c.Abort()
			return
		}

		if _, ok := allowed[userRole]; !ok {
			response.Error(c, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", gin.H{
				"role":     userRole,
				"requires": allowedRoles,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
