package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrMissingClientID = errors.New("token has no client_id")
	ErrTokenGeneration = errors.New("failed to generate token")
	ErrEmptySecret     = errors.New("jwt secret is empty")
)

// DefaultTokenTTL is the lifetime of issued tokens
const DefaultTokenTTL = 24 * time.Hour

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// Service issues and validates bearer tokens for the settlement endpoint
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrEmptySecret
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}, nil
}

// IssueToken signs a token for clientID with the settle permission
func (s *Service) IssueToken(clientID string, ttl time.Duration) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, ErrMissingClientID
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := s.now()
	expiration := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    clientID,
		Permissions: []string{"settle"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, ErrTokenGeneration
	}
	return signed, expiration, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ClientID == "" {
		return nil, ErrMissingClientID
	}
	return claims, nil
}
