package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenRequest describes the identity baked into an issued token.
type TokenRequest struct {
	Subject        string
	Role           string
	HospitalID     string
	OrganizationID string
	TTL            time.Duration
}

// IssueToken signs an HS256 token that JWTMiddleware accepts.
func IssueToken(key []byte, issuer string, req TokenRequest) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if req.HospitalID == "" || req.OrganizationID == "" {
		return "", fmt.Errorf("hospital and organization are required")
	}
	if req.TTL <= 0 {
		req.TTL = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   req.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		Role:           req.Role,
		HospitalID:     req.HospitalID,
		OrganizationID: req.OrganizationID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
