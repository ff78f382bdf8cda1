package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/szytwo/facefusion/internal/health"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Recorder      PanicRecorder // optional, receives recovered panics
	APIKey        string
	RateLimitRPS  float64 // 0 disables rate limiting
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(cfg.Recorder))
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)
	r.Get("/", handler.Index)
	r.Get("/test", handler.Test)

	// Processing endpoints - auth and rate limit
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(cfg.RateLimitRPS))
		}

		r.Get("/do", handler.Do)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", handler.CreateJob)
			r.Get("/", handler.ListJobs)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", handler.GetJob)
				r.Delete("/", handler.DeleteJob)
				r.Post("/steps", handler.AddStep)
				r.Delete("/steps/{index}", handler.RemoveStep)
				r.Post("/submit", handler.SubmitJob)
				r.Post("/run", handler.RunJob)
				r.Post("/retry", handler.RetryJob)
			})
		})
	})

	return r
}
