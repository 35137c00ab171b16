package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// RouterConfig wires the services behind the HTTP surface.
type RouterConfig struct {
	Chat          *service.ChatService
	Conversations *service.ConversationService
	Users         *service.UserService
	Auth          middleware.Authenticator
	Health        map[string]Pinger

	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Logger *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 60
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	healthHandler := NewHealthHandler(cfg.Health)
	authHandler := NewAuthHandler(cfg.Users, log)
	chatHandler := NewChatHandler(cfg.Chat, log)
	conversationHandler := NewConversationHandler(cfg.Conversations, log)
	adminHandler := NewAdminHandler(cfg.Users, cfg.Conversations, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.With(middleware.Auth(cfg.Auth)).Get("/verify", authHandler.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Auth))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/chat", chatHandler.Chat)

			r.Get("/conversations", conversationHandler.List)
			r.Get("/conversations/{threadId}", conversationHandler.Get)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(model.UserRoleAdministrator, cfg.Users.CurrentRole))
				r.Get("/users", adminHandler.ListUsers)
				r.Put("/users/{id}", adminHandler.UpdateRole)
				r.Get("/conversations", adminHandler.ListConversations)
			})
		})
	})

	return r
}
