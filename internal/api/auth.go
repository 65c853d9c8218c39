package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"trmnlpush/internal/auth"
	"trmnlpush/internal/events"
	"trmnlpush/internal/storage"
)

// rememberDuration is the token lifetime when "remember me" is set
const rememberDuration = 30 * 24 * time.Hour

// AuthHandler serves login, logout, password changes and WebSocket tickets
type AuthHandler struct {
	authenticator *auth.Authenticator
	store         storage.UserStore
	jwtManager    *auth.JWTManager
	wsTokenStore  *auth.WSTokenStore
	eventStore    *events.Store
	rateLimiter   *auth.LoginRateLimiter
	logger        *log.Logger
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse carries the token in the body for API clients; browsers use the cookie
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    *auth.User `json:"user,omitempty"`
	Token   string     `json:"token,omitempty"`
}

type PasswordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

func loginFailed(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, LoginResponse{Message: msg})
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ip := auth.ClientIP(r)

	if ok, retry := h.rateLimiter.Allow(ip); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		loginFailed(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		loginFailed(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		loginFailed(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Errorf("Login for %s failed: %v", req.Username, err)
		}
		h.eventStore.Add(events.EventLoginFailed, req.Username, ip, false, "")
		loginFailed(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	h.rateLimiter.Reset(ip)

	lifetime := h.jwtManager.TokenDuration()
	if req.Remember {
		lifetime = rememberDuration
	}
	token, err := h.jwtManager.GenerateTokenWithDuration(user, lifetime)
	if err != nil {
		h.logger.Errorf("Failed to sign token for %s: %v", user.Username, err)
		loginFailed(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	auth.SetAuthCookie(w, r, token, int(lifetime.Seconds()))
	h.eventStore.Add(events.EventLogin, user.Username, ip, true, string(user.Role))
	h.logger.Infof("User %s logged in from %s", user.Username, ip)

	writeJSON(w, http.StatusOK, LoginResponse{Success: true, User: user, Token: token})
}

// Logout handles POST /api/auth/logout. Tokens stay valid until they expire;
// only the cookie is dropped.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearAuthCookie(w)
	h.eventStore.Add(events.EventLogout, currentUsername(r), auth.ClientIP(r), true, "")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// ChangePassword handles POST /api/auth/password for the calling user
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}

	var req PasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Current == "" || req.New == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "current_password and new_password are required"})
		return
	}

	if _, err := h.authenticator.Authenticate(user.Username, req.Current); err != nil {
		h.eventStore.Add(events.EventPasswordChanged, user.Username, auth.ClientIP(r), false, "wrong current password")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Current password is wrong"})
		return
	}
	if err := auth.SetPassword(h.store, user.Username, req.New, user.Role); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.eventStore.Add(events.EventPasswordChanged, user.Username, auth.ClientIP(r), true, "")
	h.logger.Infof("User %s changed their password", user.Username)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// WSToken handles GET /api/auth/ws-token: a one-time ticket for the event stream
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.wsTokenStore.Generate(currentUsername(r))
	if err != nil {
		h.logger.Errorf("Failed to generate WebSocket ticket: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(auth.WSTokenTTL.Seconds()),
	})
}

func currentUsername(r *http.Request) string {
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		return user.Username
	}
	return ""
}
