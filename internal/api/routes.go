package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lei/simple-analytics/internal/metrics"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	AllowedOrigins []string
	MaxInFlight    int
	RequestTimeout time.Duration
	// MountIngress serves the worker ingress on this router; disable it when
	// ingress runs on a separate internal listener
	MountIngress bool
	HTTPMetrics  metrics.HTTPMetrics
	// MetricsHandler serves GET /metrics when set
	MetricsHandler http.Handler
}

// NewRouter creates and configures the HTTP router
func NewRouter(handlers *Handlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.HTTPMetrics == nil {
		opts.HTTPMetrics = metrics.Noop{}
	}

	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(MetricsMiddleware(opts.HTTPMetrics))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	// Request/response API
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.MaxInFlight > 0 {
			r.Use(middleware.Throttle(opts.MaxInFlight))
		}
		r.Use(authMiddleware.Authenticate)

		r.Post("/jobs", handlers.SubmitJob)
		r.Get("/jobs/{job_id}", handlers.GetJob)
		r.Post("/jobs/{job_id}/cancel", handlers.CancelJob)
	})

	// Long-lived streams, authorized by the per-job token
	r.Route("/v2/jobs/{job_id}", func(r chi.Router) {
		r.Get("/stream", handlers.StreamEvents)
		r.Get("/ws", handlers.StreamWebSocket)
	})

	if opts.MountIngress {
		MountIngress(r, handlers)
	}

	return r
}

// MountIngress registers the worker event ingress on r
func MountIngress(r chi.Router, handlers *Handlers) {
	r.Post("/internal/jobs/{job_id}/event", handlers.IngestEvent)
}

// NewInternalRouter serves only the worker ingress, for a separate listener
func NewInternalRouter(handlers *Handlers, loggingMiddleware *LoggingMiddleware) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware.Handler)
	r.Use(middleware.Recoverer)
	MountIngress(r, handlers)
	return r
}
