// Package api provides the HTTP control API of the supervisor.
package api

import (
	"encoding/json"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/health"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/observability"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 4MB; envelopes carry secrets and
// cluster topology but nothing bulky.
const maxRequestBodySize = 4 << 20 // 4 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc     *job.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	j, err := h.svc.Submit(r.Context(), &sub)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// TerminateJob handles DELETE /v1/jobs/{jobId}
// Query params: reason, message, timeout_seconds (all optional)
func (h *Handler) TerminateJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.TerminateRequest{
		Reason:  q.Get("reason"),
		Message: q.Get("message"),
	}
	if v := q.Get("timeout_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			h.writeError(w, http.StatusBadRequest, "timeout_seconds must be a non-negative integer")
			return
		}
		req.Timeout = time.Duration(secs) * time.Second
	}

	if err := h.svc.Terminate(r.Context(), chi.URLParam(r, "jobId"), req); err != nil {
		h.handleError(w, r, err)
		return
	}

	// The job turns terminal once the runner reports it
	w.WriteHeader(http.StatusAccepted)
}

// JobLogs handles GET /v1/jobs/{jobId}/logs
// Query params: stream (job|runner), start_time (unix ms), limit
func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := job.LogQuery{Stream: job.LogStream(q.Get("stream"))}

	var err error
	if lq.StartTime, err = intParam(q.Get("start_time")); err != nil {
		h.writeError(w, http.StatusBadRequest, "start_time must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	lq.Limit = int(limit)

	resp, err := h.svc.Logs(r.Context(), chi.URLParam(r, "jobId"), lq)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// JobMetrics handles GET /v1/jobs/{jobId}/metrics
func (h *Handler) JobMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Metrics(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
