package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/config"
	"github.com/reconiq/quote-engine/pkg/auth"
)

var (
	errNoAuthHeader  = errors.New("missing authorization header")
	errNotBearerAuth = errors.New("invalid authorization header format")
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoAuthHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotBearerAuth
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNotBearerAuth
	}
	return token, nil
}

// AuthMiddleware resolves the caller's tenant, user and role from a signed
// bearer token. Requests without a valid token never reach the handler.
func AuthMiddleware(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		claims, err := auth.ValidateToken(token, cfg.Secret, cfg.Issuer)
		switch {
		case errors.Is(err, auth.ErrMissingTenant):
			response.Unauthorized(c, "token is not bound to a tenant")
			c.Abort()
			return
		case err != nil:
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}

		for key, val := range map[string]any{
			"tenant_id": claims.TenantID,
			"user_id":   claims.UserID,
			"role":      claims.Role,
		} {
			c.Set(key, val)
		}
		c.Next()
	}
}
