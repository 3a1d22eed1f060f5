// Package api is the submission surface: clients enqueue jobs and workflows,
// inspect them, request cancellation, and see the worker fleet.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelforge/dispatchd/internal/domain"
	"github.com/pixelforge/dispatchd/internal/servicemap"
	"github.com/pixelforge/dispatchd/internal/store"
)

type Server struct {
	st  store.Store
	svc *servicemap.Config
	log *zap.Logger
}

func New(st store.Store, svc *servicemap.Config, log *zap.Logger) *Server {
	return &Server{st: st, svc: svc, log: log}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/jobs", s.submitJob)
	r.Get("/v1/jobs/{id}", s.getJob)
	r.Post("/v1/jobs/{id}/cancel", s.cancelJob)
	r.Post("/v1/workflows", s.submitWorkflow)
	r.Get("/v1/workers", s.listWorkers)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

type submitJobRequest struct {
	ServiceRequired string              `json:"service_required"`
	Priority        int                 `json:"priority"`
	Payload         json.RawMessage     `json:"payload"`
	Requirements    domain.Requirements `json:"requirements"`
	WorkflowID      *string             `json:"workflow_id,omitempty"`
	StepNumber      *int                `json:"step_number,omitempty"`
	TimeoutMinutes  int                 `json:"timeout_minutes,omitempty"`
	MaxRetries      *int                `json:"max_retries,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.ServiceRequired == "" {
		httpError(w, http.StatusBadRequest, "service_required is required")
		return
	}
	// reject unknown service names at the door; a job whose
	// service_required matches nothing would otherwise sit pending forever
	if !s.svc.Knows(req.ServiceRequired) {
		httpError(w, http.StatusBadRequest, "unknown service: "+req.ServiceRequired)
		return
	}
	maxRetries := domain.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	job := &domain.Job{
		ID:              uuid.NewString(),
		SubmittedAt:     time.Now().UTC(),
		Payload:         req.Payload,
		Priority:        req.Priority,
		Requirements:    req.Requirements,
		ServiceRequired: req.ServiceRequired,
		MaxRetries:      maxRetries,
		TimeoutMinutes:  req.TimeoutMinutes,
		WorkflowID:      req.WorkflowID,
		StepNumber:      req.StepNumber,
	}
	if err := s.st.Enqueue(r.Context(), job); err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

type submitWorkflowRequest struct {
	Priority   int `json:"priority"`
	TotalSteps int `json:"total_steps"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	wf := &domain.Workflow{
		ID:          uuid.NewString(),
		Priority:    req.Priority,
		SubmittedAt: time.Now().UTC(),
		TotalSteps:  req.TotalSteps,
	}
	if err := s.st.PutWorkflow(r.Context(), wf); err != nil {
		s.log.Error("workflow write failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "workflow write failed")
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.st.Get(r.Context(), chi.URLParam(r, "id"))
	if err == domain.ErrJobNotFound {
		httpError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.RequestCancel(r.Context(), id); err != nil {
		if err == domain.ErrJobNotFound {
			httpError(w, http.StatusNotFound, "no such job")
			return
		}
		s.log.Error("cancel failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.st.Workers(r.Context())
	if err != nil {
		s.log.Error("worker list failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if workers == nil {
		workers = []*domain.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
