package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"trmnlpush/internal/storage"
)

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSeedAdminAndAuthenticate(t *testing.T) {
	store := newStore(t)

	password, err := SeedAdmin(store, "admin")
	if err != nil {
		t.Fatalf("SeedAdmin failed: %v", err)
	}
	if len(password) < 8 {
		t.Fatalf("Expected a generated password, got %q", password)
	}

	again, err := SeedAdmin(store, "admin")
	if err != nil || again != "" {
		t.Fatalf("Second SeedAdmin should do nothing, got %q, %v", again, err)
	}

	a := NewAuthenticator(store)
	user, err := a.Authenticate("admin", password)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !user.IsAdmin() {
		t.Errorf("Seeded user should be admin, got %s", user.Role)
	}

	if _, err := a.Authenticate("admin", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := a.Authenticate("nobody", password); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestSetPassword(t *testing.T) {
	store := newStore(t)

	if err := SetPassword(store, "viewer", "short", RoleReadOnly); err == nil {
		t.Error("Expected error for short password")
	}
	if err := SetPassword(store, " ", "long-enough", RoleReadOnly); err == nil {
		t.Error("Expected error for empty username")
	}

	if err := SetPassword(store, "viewer", "first-password", RoleReadOnly); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	first, _ := store.GetUser("viewer")

	if err := SetPassword(store, "viewer", "second-password", RoleReadOnly); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	second, _ := store.GetUser("viewer")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("Password reset should keep CreatedAt")
	}

	a := NewAuthenticator(store)
	if _, err := a.Authenticate("viewer", "first-password"); err == nil {
		t.Error("Old password should no longer work")
	}
	user, err := a.Authenticate("viewer", "second-password")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.IsAdmin() {
		t.Error("Read-only user reported as admin")
	}
}

func TestJWT(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	user := &User{Username: "admin", Role: RoleAdmin}

	token, err := m.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "admin" || claims.Role != RoleAdmin || claims.Issuer != Issuer {
		t.Errorf("Unexpected claims: %+v", claims)
	}

	expired, _ := m.GenerateTokenWithDuration(user, -time.Minute)
	if _, err := m.ValidateToken(expired); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}

	other := NewJWTManager("other-secret", time.Hour)
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	mw := NewMiddleware(m)

	var seen *User
	h := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
	}))

	token, _ := m.GenerateToken(&User{Username: "viewer", Role: RoleReadOnly})

	t.Run("NoToken", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	t.Run("Cookie", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || seen == nil || seen.Username != "viewer" {
			t.Errorf("Expected authenticated viewer, got %d %+v", rec.Code, seen)
		}
	})

	t.Run("Bearer", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || seen == nil {
			t.Errorf("Expected authenticated request, got %d", rec.Code)
		}
	})

	t.Run("BadCookieCleared", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
		if c := rec.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
			t.Errorf("Expected cookie to be cleared, got %v", c)
		}
	})

	t.Run("RequireAdmin", func(t *testing.T) {
		admin := mw.RequireAuth(mw.RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("Expected 403 for read-only user, got %d", rec.Code)
		}
	})
}

func TestLoginRateLimiter(t *testing.T) {
	rl := NewLoginRateLimiterWith(2, time.Minute, 5*time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("Attempt %d should be allowed", i+1)
		}
	}
	ok, remaining := rl.Allow("10.0.0.1")
	if ok || remaining != 300 {
		t.Fatalf("Third attempt should be blocked for 300s, got %v %d", ok, remaining)
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("Other IPs must not be affected")
	}

	now = now.Add(6 * time.Minute)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("Block should expire")
	}

	rl.Reset("10.0.0.1")
	rl.mu.Lock()
	_, exists := rl.attempts["10.0.0.1"]
	rl.mu.Unlock()
	if exists {
		t.Error("Reset should forget the IP")
	}
}

func TestWSTokenStore(t *testing.T) {
	s := NewWSTokenStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	token, err := s.Generate("admin")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if user, ok := s.Validate(token); !ok || user != "admin" {
		t.Fatalf("Expected valid token for admin, got %q %v", user, ok)
	}
	if _, ok := s.Validate(token); ok {
		t.Error("Token must be single use")
	}

	stale, _ := s.Generate("admin")
	now = now.Add(WSTokenTTL + time.Second)
	if _, ok := s.Validate(stale); ok {
		t.Error("Expired token accepted")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"RemoteAddr", nil, "192.168.1.5:4321", "192.168.1.5"},
		{"RealIP", map[string]string{"X-Real-IP": "10.1.1.1"}, "127.0.0.1:1", "10.1.1.1"},
		{"ForwardedFor", map[string]string{"X-Forwarded-For": "10.2.2.2, 10.3.3.3"}, "127.0.0.1:1", "10.2.2.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
