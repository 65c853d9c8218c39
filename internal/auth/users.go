package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"trmnlpush/internal/storage"
)

// Role represents user access level
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReadOnly Role = "readonly"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

// User represents an authenticated user
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin checks if user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// compared against when the user does not exist so both paths cost one bcrypt
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("trmnlpush-dummy"), bcrypt.DefaultCost)

// Authenticator checks passwords against users kept in storage
type Authenticator struct {
	store storage.Storage
}

// NewAuthenticator creates an authenticator backed by store
func NewAuthenticator(store storage.Storage) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate returns the user when the password matches its bcrypt hash
func (a *Authenticator) Authenticate(username, password string) (*User, error) {
	stored, err := a.store.GetUser(username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &User{Username: stored.Username, Role: Role(stored.Role)}, nil
}

// SetPassword creates or updates a user with a bcrypt hash of password
func SetPassword(store storage.UserStore, username, password string, role Role) error {
	if strings.TrimSpace(username) == "" {
		return errors.New("username cannot be empty")
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	created := time.Now()
	if existing, err := store.GetUser(username); err == nil {
		created = existing.CreatedAt
	}

	return store.PutUser(&storage.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         string(role),
		CreatedAt:    created,
	})
}

// SeedAdmin creates the admin user with a random password when no users exist.
// The password is returned only when a user was created.
func SeedAdmin(store storage.Storage, username string) (string, error) {
	count, err := store.CountUsers()
	if err != nil {
		return "", fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return "", nil
	}

	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	password := base64.RawURLEncoding.EncodeToString(b)

	if err := SetPassword(store, username, password, RoleAdmin); err != nil {
		return "", err
	}
	return password, nil
}

// ClientIP extracts client IP from request, considering reverse proxy headers
func ClientIP(r *http.Request) string {
	// Check X-Real-IP first (set by nginx)
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// X-Forwarded-For can contain multiple IPs; the first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
