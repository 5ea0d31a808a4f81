package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/shadow-review/internal/http/middleware"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Review         *review.Handler
	Stream         http.HandlerFunc
	MetricsHandler http.Handler
	HealthChecks   map[string]HealthCheck

	// ModeratorAuthSecret signs moderator JWTs. Auth is skipped only when
	// DisableAuth is set, for local single-binary use.
	ModeratorAuthSecret string
	DisableAuth         bool

	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Review == nil {
		return r
	}
	h := cfg.Review

	r.Route("/api/v1", func(api chi.Router) {
		if !cfg.DisableAuth {
			api.Use(httpmiddleware.ModeratorJWT(cfg.ModeratorAuthSecret))
		}
		if cfg.Stream != nil {
			api.Get("/stream", cfg.Stream)
		}

		api.Group(func(rest chi.Router) {
			rest.Use(middleware.Compress(5))
			if cfg.RateLimiter != nil {
				rest.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}
			rest.Get("/stats", h.GetStats)
			rest.Route("/items", func(items chi.Router) {
				items.Get("/", h.ListItems)
				items.Post("/", h.CreateItem)
				items.Route("/{id}", func(item chi.Router) {
					item.Get("/", h.GetItem)
					item.Delete("/", h.DeleteItem)
					item.Get("/history", h.GetHistory)
					item.Post("/confirm-version", h.ConfirmVersion)
					item.Post("/skip", h.Skip)
					item.Post("/retry", h.Retry)
					item.Post("/edit", h.Edit)
					item.Post("/approve", h.Approve)
					item.Post("/reject", h.Reject)
				})
			})
		})
	})

	return r
}
