// Package auth issues and validates the bearer token that gates the
// fabric's administration surface. Agent-to-agent trust flows
// entirely through DID-based identity verification (internal/crypto);
// this token only protects the HTTP admin API itself.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims is the single claim set issued for the admin API: a
// subject identifying the caller and nothing else.
type AdminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenService issues and validates admin bearer tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewTokenService constructs a service signing with secret and issuing
// tokens valid for expiry.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry, issuer: "agentfabric"}
}

// IssueToken mints a bearer token for subject (an operator or service
// account name).
func (s *TokenService) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   subject,
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses and validates a bearer token, returning its
// claims.
func (s *TokenService) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
