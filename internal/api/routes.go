package api

import (
	"jobsupervisor/internal/health"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/observability"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)

	r := chi.NewRouter()

	// Apply middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - auth required
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/", handler.SubmitJob)
		r.Get("/", handler.ListJobs)
		r.Get("/{jobId}", handler.GetJob)
		r.Delete("/{jobId}", handler.TerminateJob)
		r.Get("/{jobId}/logs", handler.JobLogs)
		r.Get("/{jobId}/metrics", handler.JobMetrics)
	})

	return r
}
