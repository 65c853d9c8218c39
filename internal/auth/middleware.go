package auth

import (
	"context"
	"net/http"
	"strings"
)

// CookieName is the HttpOnly cookie carrying the session token
const CookieName = "trmnlpush_token"

type userKey struct{}

// Middleware guards API routes
type Middleware struct {
	jwtManager *JWTManager
}

// NewMiddleware creates new auth middleware
func NewMiddleware(jwtManager *JWTManager) *Middleware {
	return &Middleware{jwtManager: jwtManager}
}

// RequireAuth accepts the session cookie or an "Authorization: Bearer" header
// and stores the user in the request context
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromCookie := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			if fromCookie {
				ClearAuthCookie(w)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUserContext(r.Context(), claims.User())))
	})
}

// RequireAdmin rejects users without the admin role. It must run after RequireAuth.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		switch {
		case user == nil:
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case !user.IsAdmin():
			http.Error(w, "Forbidden: admin access required", http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func tokenFromRequest(r *http.Request) (token string, fromCookie bool) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if h, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(h), false
	}
	return "", false
}

// GetUserFromContext returns the authenticated user, or nil
func GetUserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey{}).(*User)
	return user
}

// SetUserContext returns ctx carrying user
func SetUserContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// SetAuthCookie stores the token in an HttpOnly cookie. Secure is set when the
// request arrived over TLS, directly or through a proxy.
func SetAuthCookie(w http.ResponseWriter, r *http.Request, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})
}

// ClearAuthCookie expires the session cookie
func ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
