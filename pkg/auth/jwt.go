package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Shop roles carried in tokens.
const (
	RoleOwner      = "owner"
	RoleEstimator  = "estimator"
	RoleTechnician = "technician"
	RoleViewer     = "viewer"
)

var shopRoles = map[string]struct{}{
	RoleOwner:      {},
	RoleEstimator:  {},
	RoleTechnician: {},
	RoleViewer:     {},
}

var (
	// ErrMissingTenant is returned for tokens that do not name a tenant.
	ErrMissingTenant = errors.New("token has no tenant")
	// ErrUnknownRole is returned for tokens whose role is not a shop role.
	ErrUnknownRole = errors.New("token role is not recognised")
	// ErrExpired is returned once a token is past its exp claim.
	ErrExpired = errors.New("token expired")
)

// Claims binds a token to one tenant, user and role.
type Claims struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     string    `json:"role"`
	jwt.RegisteredClaims
}

// ValidRole reports whether role is one of the shop roles.
func ValidRole(role string) bool {
	_, ok := shopRoles[role]
	return ok
}

// GenerateToken signs an HS256 token for the tenant, user and role that
// expires after expiryHours. The subject is the user ID.
func GenerateToken(secret, issuer string, tenantID, userID uuid.UUID, role string, expiryHours int) (string, error) {
	issuedAt := time.Now().Truncate(time.Second)
	claims := &Claims{
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Duration(expiryHours) * time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm and time claims, then checks
// that the token names a tenant and a known role. A non-empty issuer must
// match the iss claim.
func ValidateToken(tokenString, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		if secret == "" {
			return nil, errors.New("no signing secret configured")
		}
		return []byte(secret), nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if claims.TenantID == uuid.Nil {
		return nil, ErrMissingTenant
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	return claims, nil
}
