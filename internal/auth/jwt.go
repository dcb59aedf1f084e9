package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role gates access to the admin surface. The core trusts this gate and
// performs no further authorization.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOps    Role = "ops"
	RoleViewer Role = "viewer"
)

type Claims struct {
	TenantID int    `json:"tenant_id"`
	APIKey   string `json:"api_key"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

func GenerateToken(tenantID int, apiKey string, role Role, secret string) (string, error) {
	claims := &Claims{
		TenantID: tenantID,
		APIKey:   apiKey,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
