package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is set on and required from every token
const Issuer = "trmnlpush"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the session token claims. The subject is the username.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// User returns the user the token was issued to
func (c *Claims) User() *User {
	return &User{Username: c.Subject, Role: c.Role}
}

// JWTManager signs and verifies HS256 session tokens
type JWTManager struct {
	secret        []byte
	tokenDuration time.Duration
	parser        *jwt.Parser
}

// NewJWTManager creates a manager. An empty secret is replaced by a random
// one, so tokens stop working after a restart.
func NewJWTManager(secret string, tokenDuration time.Duration) *JWTManager {
	if secret == "" {
		secret = rand.Text()
	}
	return &JWTManager{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithIssuedAt(),
		),
	}
}

// TokenDuration returns the default token lifetime
func (m *JWTManager) TokenDuration() time.Duration {
	return m.tokenDuration
}

// GenerateToken issues a token with the default lifetime
func (m *JWTManager) GenerateToken(user *User) (string, error) {
	return m.GenerateTokenWithDuration(user, m.tokenDuration)
}

// GenerateTokenWithDuration issues a token that expires after d
func (m *JWTManager) GenerateTokenWithDuration(user *User, d time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken verifies signature, issuer and expiry
func (m *JWTManager) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}
