// Package api serves the HTTP API: auth, events, plugin management and plugin routes
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trmnlpush/internal/auth"
	"trmnlpush/internal/config"
	"trmnlpush/internal/events"
	"trmnlpush/internal/plugins"
	"trmnlpush/internal/storage"
)

// Server represents the API server
type Server struct {
	router        *chi.Mux
	config        *config.Config
	logger        *log.Logger
	store         storage.Storage
	authenticator *auth.Authenticator
	jwtManager    *auth.JWTManager
	authMw        *auth.Middleware
	wsTokenStore  *auth.WSTokenStore
	rateLimiter   *auth.LoginRateLimiter
	eventStore    *events.Store
	registry      *plugins.Registry
}

// NewServer creates the API server and mounts the routes of all registered plugins
func NewServer(cfg *config.Config, store storage.Storage, eventStore *events.Store, registry *plugins.Registry, logger *log.Logger) *Server {
	jwtManager := auth.NewJWTManager(cfg.JWTSecret(), cfg.JWTExpiration())

	s := &Server{
		router:        chi.NewRouter(),
		config:        cfg,
		logger:        logger.WithPrefix("api"),
		store:         store,
		authenticator: auth.NewAuthenticator(store),
		jwtManager:    jwtManager,
		authMw:        auth.NewMiddleware(jwtManager),
		wsTokenStore:  auth.NewWSTokenStore(),
		rateLimiter:   auth.NewLoginRateLimiter(),
		eventStore:    eventStore,
		registry:      registry,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	authHandler := &AuthHandler{
		authenticator: s.authenticator,
		store:         s.store,
		jwtManager:    s.jwtManager,
		wsTokenStore:  s.wsTokenStore,
		eventStore:    s.eventStore,
		rateLimiter:   s.rateLimiter,
		logger:        s.logger,
	}
	eventsHandler := NewEventsHandler(s.eventStore, s.wsTokenStore, s.logger)
	pluginHandler := NewPluginHandler(s.registry, s.eventStore, s.logger)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)
		r.Post("/api/auth/password", authHandler.ChangePassword)

		r.Get("/api/events", eventsHandler.List)
		r.Get("/api/events/stream", eventsHandler.Stream)

		r.Get("/api/plugins", pluginHandler.List)
		r.Get("/api/plugins/{name}", pluginHandler.Get)
		r.With(s.authMw.RequireAdmin).Post("/api/plugins/{name}/enable", pluginHandler.Enable)
		r.With(s.authMw.RequireAdmin).Post("/api/plugins/{name}/disable", pluginHandler.Disable)

		r.Handle("/metrics", promhttp.Handler())
	})

	s.registerPluginRoutes(r)
}

// requireAuth checks the JWT, or injects a fake admin user in no-auth mode
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.config.NoAuth() {
		return fakeAuth(next)
	}
	return s.authMw.RequireAuth(next)
}

// registerPluginRoutes mounts the routes of every registered plugin. Routes
// of a plugin that is not running answer 404, so enabling a plugin at
// runtime needs no re-registration.
func (s *Server) registerPluginRoutes(r chi.Router) {
	if s.registry == nil {
		return
	}

	for _, plugin := range s.registry.All() {
		name := plugin.Name()
		for _, route := range plugin.Routes() {
			switch route.Method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				s.logger.Warnf("Skipping plugin route with unsupported method: %s %s", route.Method, route.Path)
				continue
			}

			var handler http.Handler = route.Handler
			if route.RequireAuth {
				// Read-only users may look but not change
				if route.Method != http.MethodGet {
					handler = s.authMw.RequireAdmin(handler)
				}
				handler = s.requireAuth(handler)
			}
			r.Method(route.Method, route.Path, s.whileRunning(name, handler))

			s.logger.Debugf("Registered plugin route: %s %s (auth=%v, plugin=%s)",
				route.Method, route.Path, route.RequireAuth, name)
		}
	}
}

func (s *Server) whileRunning(plugin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.registry.IsRunning(plugin) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Plugin " + plugin + " is disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup expires rate limiter entries and WebSocket tickets until ctx is done
func (s *Server) StartCleanup(ctx context.Context) {
	go s.rateLimiter.RunCleanup(ctx, 10*time.Minute)
	go s.wsTokenStore.RunCleanup(ctx, time.Minute)
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer wraps the router with timeouts and the server error log
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// fakeAuth injects a fake admin user for no-auth mode
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fakeUser := &auth.User{
			Username: "dev",
			Role:     auth.RoleAdmin,
		}
		next.ServeHTTP(w, r.WithContext(auth.SetUserContext(r.Context(), fakeUser)))
	})
}
