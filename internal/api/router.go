package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/api/middleware"
	"github.com/spysignal/relay/internal/config"
	"github.com/spysignal/relay/internal/handlers"
	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/relay"
	"github.com/spysignal/relay/internal/store"
)

// Services are the domain components the router exposes.
type Services struct {
	Store     store.DataStore
	Redis     *store.RedisStore // optional; nil disables rate limiting
	Auth      middleware.CallerResolver
	Queue     *relay.SignalQueue
	Mailbox   *relay.Mailbox
	Directory *relay.Directory
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg *config.Config, svc Services) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if svc.Redis != nil {
		limiter := middleware.NewRateLimiter(svc.Redis, logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	} else {
		logger.Warn().Msg("REDIS_URL not set, rate limiting disabled")
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(svc.Store, svc.Redis, svc.Queue, svc.Mailbox, svc.Directory, logger).
		WithStreamConfig(handlers.StreamConfig{
			PollInterval:   time.Second,
			AllowedOrigins: cfg.AllowedOrigins,
		})
	auth := middleware.NewAuthMiddleware(svc.Auth, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/health", h.Health)
	r.Get("/api", h.Root)
	r.Get("/api/stats", h.Stats)
	r.Post("/api/register", h.Register)
	r.Get("/api/users/search", h.SearchUsers)
	r.Get("/api/pubkey/{id}", h.GetPubKey)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/api/pubkey", h.SetPubKey)
		r.Post("/api/messages", h.SendMessage)
		r.Get("/api/messages", h.ListMessages)
		r.Post("/api/files", h.SendFile)
		r.Get("/api/files", h.ListFiles)

		for _, kind := range models.SignalKinds {
			r.Post("/call/"+string(kind), h.SubmitSignal(kind))
		}
		r.Get("/call/poll", h.PollSignals)
	})

	// Browsers cannot set headers on a WebSocket handshake.
	r.With(auth.RequireAuthOrQuery).Get("/call/stream", h.StreamSignals)

	return r
}
