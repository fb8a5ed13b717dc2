package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/middleware"
	"github.com/young-artisan/storefront-chat/pkg/logger"
)

// RouterConfig carries what the router needs besides its handlers.
type RouterConfig struct {
	JWTSecret            string
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	CORSAllowedOrigins   []string
	SSEHeartbeatInterval time.Duration
}

// NewRouter mounts the health, metrics and chat endpoints.
func NewRouter(cfg RouterConfig, store docstore.Store, sessions Sessions, log *logger.Logger) http.Handler {
	healthHandler := NewHealthHandler(store, log.Component("health"))
	chatHandler := NewChatHandler(sessions, log.Component("chat_handler"))

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Public endpoints, limited per client IP
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Health endpoints (no auth required)
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)

		// Metrics endpoint
		r.Handle("/metrics", promhttp.Handler())
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.ActorRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/chat", func(r chi.Router) {
			r.Get("/", chatHandler.Get)
			r.Post("/open", chatHandler.Open)
			r.Post("/messages", chatHandler.Send)
			r.Post("/close", chatHandler.Close)
			r.Post("/reopen", chatHandler.Reopen)
			r.Put("/active", chatHandler.SelectConversation)
			r.Put("/product", chatHandler.SelectProduct)
			r.Put("/session-product", chatHandler.SetSessionProduct)

			// Streaming
			r.Get("/stream", chatHandler.Stream(cfg.SSEHeartbeatInterval))
		})
	})

	return r
}
