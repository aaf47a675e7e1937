package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/auth"
	"github.com/knoguchi/ragctl/internal/gateway"
	"github.com/knoguchi/ragctl/internal/service"
)

// HTTPServer is the platform's sole externally reachable surface: the REST+SSE
// API at /api/v1, healthchecks, and Prometheus metrics.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds everything needed to wire the route tree.
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string

	AuthMiddleware *auth.Middleware
	RateLimiter    *gateway.RateLimiter
	Metrics        *gateway.Metrics

	Identity  *service.IdentityService
	Tenant    *service.TenantService
	Document  *service.DocumentService
	RAG       *service.RAGService
}

// NewHTTPServer builds the chi router, mounts every route, and wraps it in an
// http.Server tuned for long-lived SSE connections.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(gateway.RequestLogging(logger))
	router.Use(middleware.Recoverer)
	router.Use(gateway.Hardening)
	router.Use(gateway.SecurityHeaders)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-Tenant-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler())
	router.Handle("/metrics", promhttp.Handler())

	h := &httpHandlers{
		identity: cfg.Identity,
		tenant:   cfg.Tenant,
		document: cfg.Document,
		rag:      cfg.RAG,
		logger:   logger,
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.register)
		r.Post("/auth/login", h.login)
		r.Post("/auth/refresh", h.refresh)
		r.Post("/auth/validate", h.validate)

		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthMiddleware.RequireAuth)
			if cfg.RateLimiter != nil {
				r.Use(gateway.RateLimitMiddleware(cfg.RateLimiter))
			}

			r.Post("/documents/upload", h.uploadDocument)
			r.Get("/documents", h.listDocuments)
			r.Get("/documents/stats", h.documentStats)
			r.Get("/documents/{id}", h.getDocument)
			r.Put("/documents/{id}", h.updateDocument)
			r.Delete("/documents/{id}", h.deleteDocument)

			r.Post("/rag/query", h.ragQuery)
			r.Post("/rag/query/stream", h.ragQueryStream)
			r.Get("/rag/conversations/{id}", h.getConversation)
			r.Delete("/rag/conversations/{id}", h.deleteConversation)

			r.Post("/embeddings/generate", h.embeddingsGenerate)
			r.Post("/embeddings/search", h.embeddingsSearch)
		})

		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthMiddleware.RequireAdmin)
			r.Post("/admin/tenants", h.createTenant)
			r.Get("/admin/tenants", h.listTenants)
			r.Get("/admin/tenants/{id}", h.getTenant)
			r.Put("/admin/tenants/{id}", h.updateTenant)
			r.Delete("/admin/tenants/{id}", h.deleteTenant)
			r.Post("/admin/tenants/{id}/api-key", h.regenerateAPIKey)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long enough for SSE-streamed RAG responses
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{server: server, router: router, logger: logger}, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// GetRouter returns the underlying chi router for tests.
func (s *HTTPServer) GetRouter() *chi.Mux {
	return s.router
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// errorEnvelope is the uniform error body returned on any non-2xx response.
type errorEnvelope struct {
	Status    string     `json:"status"`
	Error     errorBody  `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id"`
}

type errorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, apperr.StatusFor(err), errorEnvelope{
		Status: "error",
		Error: errorBody{
			Code:    apperr.KindOf(err),
			Message: err.Error(),
		},
		Timestamp: time.Now(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidArgument("invalid request body: %v", err)
	}
	if err := gateway.Validate.Struct(v); err != nil {
		return apperr.InvalidArgument("validation failed: %v", err)
	}
	return nil
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.InvalidArgument("invalid %s", name)
	}
	return id, nil
}

func pageParams(r *http.Request) (size, offset int) {
	size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if size <= 0 {
		size = 20
	}
	if page > 0 {
		offset = page * size
	}
	return size, offset
}
