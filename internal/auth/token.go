package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/org/wirebot/internal/apperr"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or shape checks.
var ErrInvalidToken = errors.New("invalid operator token")

// Claims identifies an operator. The operator ID travels in the subject.
type Claims struct {
	jwt.RegisteredClaims
	Handle string `json:"handle,omitempty"`
}

// TokenService issues and validates operator identity tokens.
// The chat front end holds the shared secret and signs one token per
// operator it relays for.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a TokenService using an HS256 shared secret.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, apperr.Validation("api secret must be at least 16 bytes")
	}
	return &TokenService{secret: secret, issuer: "wirebot"}, nil
}

// CreateToken signs a token for operatorID valid for ttl. A zero ttl never expires.
func (s *TokenService) CreateToken(operatorID int64, handle string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(operatorID, 10),
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Handle: handle,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// ValidateToken checks the token and returns the operator ID and handle it carries.
func (s *TokenService) ValidateToken(tokenString string) (int64, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return 0, "", ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return id, claims.Handle, nil
}
