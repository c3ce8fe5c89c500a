package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/api/middleware"
	"github.com/squadklaw/squadklaw/internal/handlers"
	"github.com/squadklaw/squadklaw/internal/store"
)

// Options configures the directory router.
type Options struct {
	RegistrationTTL    time.Duration
	RateLimitWhitelist []string
	AutoBlockEnabled   bool
}

// NewRouter creates the directory HTTP router. redisStore may be nil, in
// which case nonces and rate limits are kept in process memory.
func NewRouter(logger zerolog.Logger, ds store.DataStore, redisStore *store.RedisStore, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	var (
		counter middleware.Counter    = middleware.NewMemoryCounter()
		nonces  middleware.NonceStore = middleware.NewMemoryNonceStore()
		cache   *store.RedisStore     // nil disables the card cache
	)
	if redisStore != nil {
		counter, nonces, cache = redisStore, redisStore, redisStore
	}

	// Rate limiting
	limiter := middleware.NewRateLimiter(counter, logger, middleware.RateLimiterConfig{
		Whitelist:        opts.RateLimitWhitelist,
		AutoBlockEnabled: opts.AutoBlockEnabled,
	})
	r.Use(limiter.Middleware)

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			middleware.HeaderAgent, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(ds, cache, logger, opts.RegistrationTTL)
	auth := middleware.NewAuthMiddleware(ds, nonces)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		// Public routes (registration is self-signed)
		r.Get("/stats", h.Stats)
		r.Post("/agents", h.Register)
		r.Get("/agents", h.QueryAgents)
		r.Get("/agents/{id}", h.GetAgent)

		// Authenticated routes (require signature)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			r.Put("/agents/{id}", h.UpdateAgent)
			r.Delete("/agents/{id}", h.DeleteAgent)
		})
	})

	return r
}
