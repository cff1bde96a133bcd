package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience set on every session token so downstream row-level authorization
// treats adult and child principals identically.
const Audience = "authenticated"

// ChildSessionTTL is fixed: child sessions are short-lived and
// non-refreshable, re-authentication is required after expiry.
const ChildSessionTTL = 8 * time.Hour

const (
	UserTypeAdult = "adult"
	UserTypeChild = "child"
)

type Claims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewAccessToken signs an adult session token. Each token carries a fresh
// UUID jti so the session can be revoked server-side.
func NewAccessToken(secret, issuer string, ttl time.Duration, claims Claims) (string, string, error) {
	now := time.Now().UTC()
	jti := uuid.NewString()
	claims.UserType = UserTypeAdult
	claims.Role = Audience
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        jti,
		Subject:   claims.UserID,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// NewChildToken signs a child session token. The subject is the child row id
// directly; no jti is embedded (child sessions cannot be revoked) and no
// refresh token exists for this path.
func NewChildToken(secret, issuer, childID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:   childID,
		UserType: UserTypeChild,
		Role:     Audience,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   childID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ChildSessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
