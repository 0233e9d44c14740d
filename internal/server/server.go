// Package server exposes the engine's ingress operations (crawl
// trigger and status, search, manifest fetch, budget get/patch) as chi
// JSON handlers behind request-ID, recovery, structured-logging, and
// CORS middleware.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sitespeak/kbengine/internal/auth"
	"github.com/sitespeak/kbengine/internal/budget"
	"github.com/sitespeak/kbengine/internal/crawl"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
	"github.com/sitespeak/kbengine/internal/search"
)

// Services bundles the component services the HTTP layer delegates to.
type Services struct {
	Search    *search.Service
	Crawl     *crawl.Orchestrator
	Budget    *budget.Controller
	Tenants   repository.TenantRepository
	Sites     repository.SiteRepository
	Sessions  repository.CrawlSessionRepository
	Manifests repository.ManifestRepository
}

// Config holds configuration for the HTTP server.
type Config struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string
	AdminAPIKey    string
	JWT            *auth.JWTManager

	// SiteDefaults seeds the config of sites registered through the
	// crawl trigger endpoint. Zero means built-in defaults.
	SiteDefaults domain.SiteConfig
}

// Server wraps an HTTP server exposing the engine's ingress surface.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
}

// New creates a Server with every ingress route mounted.
func New(cfg Config, svc Services) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler())

	authMW := auth.NewAPIKeyMiddleware(svc.Tenants, cfg.AdminAPIKey).
		WithSkipPaths("/healthz", "/readyz").
		WithAdminPaths("/admin/tokens")
	if cfg.JWT != nil {
		authMW = authMW.WithJWTManager(cfg.JWT)
	}

	siteDefaults := cfg.SiteDefaults
	if siteDefaults == (domain.SiteConfig{}) {
		siteDefaults = builtinSiteDefaults()
	}
	h := &handlers{svc: svc, logger: logger, jwt: cfg.JWT, siteDefaults: siteDefaults}

	router.Group(func(r chi.Router) {
		r.Use(authMW.Middleware)
		r.Post("/v1/crawl", h.triggerCrawl)
		r.Get("/v1/crawl/{sessionId}", h.crawlStatus)
		r.Delete("/v1/crawl/{sessionId}", h.cancelCrawl)
		r.Post("/v1/search", h.search)
		r.Get("/v1/manifest", h.getManifest)
		r.Get("/budget/{tenantId}/{siteId}", h.getBudget)
		r.Patch("/budget", h.patchBudget)
		r.Post("/admin/tokens", h.issueToken)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{httpServer: server, router: router, logger: logger}, nil
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// Router exposes the underlying chi router, chiefly for tests.
func (s *Server) Router() *chi.Mux { return s.router }

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}
}

func readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
