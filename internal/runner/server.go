package runner

import (
	"encoding/json"
	"errors"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServiceName is reported by the healthcheck.
const ServiceName = "jobsupervisor-runner"

// maxSubmitBodySize bounds a submission, secrets included.
const maxSubmitBodySize = 4 << 20

// ServerConfig holds configuration for the runner HTTP API.
type ServerConfig struct {
	Version string // Reported by the healthcheck; supervisors pick the dialect from it
	Legacy  bool   // Speak the legacy submit and pull shapes
}

// Server exposes an Executor over the runner HTTP API.
type Server struct {
	exec *Executor
	cfg  ServerConfig
}

// NewServer creates the runner API.
func NewServer(exec *Executor, cfg ServerConfig) *Server {
	return &Server{exec: exec, cfg: cfg}
}

// Routes returns the HTTP handler of the runner API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthcheck", s.healthcheck)
		r.Get("/metrics", s.metrics)
		r.Get("/task", s.task)
		r.Post("/submit", s.submit)
		r.Get("/pull", s.pull)
		r.Post("/terminate", s.terminate)
		r.Post("/stop", s.stop)
	})
	return r
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthcheckResponse{Service: ServiceName, Version: s.cfg.Version})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.exec.Metrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	info, err := s.exec.Task()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)

	var (
		taskID string
		env    *job.Envelope
	)
	if s.cfg.Legacy {
		var body protocol.LegacySubmitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid submission: "+err.Error(), http.StatusBadRequest)
			return
		}
		taskID, env = envelopeFromLegacy(&body)
	} else {
		var body protocol.SubmitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid submission: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.TaskID == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		taskID = body.TaskID
		env = &job.Envelope{
			RunSpec:         body.RunSpec,
			JobSpec:         body.JobSpec,
			ClusterInfo:     body.ClusterInfo,
			Secrets:         body.Secrets,
			RepoCredentials: body.RepoCredentials,
		}
	}

	if err := s.exec.Submit(taskID, env); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Legacy {
		resp, err := s.exec.LegacyPull()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var since int64
	if v := r.URL.Query().Get("timestamp"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid timestamp", http.StatusBadRequest)
			return
		}
		since = ts
	}
	writeJSON(w, http.StatusOK, s.exec.Pull(since))
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	var body protocol.TerminateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid terminate request: "+err.Error(), http.StatusBadRequest)
		return
	}
	reason := body.TerminationReason
	if reason == "" {
		reason = job.ReasonTerminatedByServer
	}
	timeout := time.Duration(body.Timeout) * time.Second
	if err := s.exec.Terminate(reason, body.TerminationMessage, timeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	var body protocol.LegacyStopBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid stop request: "+err.Error(), http.StatusBadRequest)
		return
	}
	timeout := s.exec.cfg.StopTimeout
	if body.Force {
		timeout = 0
	}
	if err := s.exec.Terminate(job.ReasonTerminatedByServer, "stop requested", timeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNoTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("Runner request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// Pull is polled continuously; keep it out of the info log.
		level := slog.LevelInfo
		if r.URL.Path == protocol.PathPull {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
