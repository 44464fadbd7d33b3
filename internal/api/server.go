// Package api exposes the HTTP control surface for the scan orchestrator:
// submitting scans, reading job snapshots, and requesting cancellation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/internal/domain/scanning"
	"github.com/corvusec/scanhive/pkg/common/logger"
	"github.com/corvusec/scanhive/pkg/common/otel"
	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// ScanService is the slice of the orchestrator the transport layer depends on.
type ScanService interface {
	Submit(ctx context.Context, scopeID uuid.UUID, targets []string, modules []pipeline.StageKind) (uuid.UUID, error)
	Status(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

// Config carries the server's listen address and readiness probe state.
type Config struct {
	Host string
	Port string

	// Ready gates the readiness endpoint. A nil value reports ready, which
	// suits tests and single-process setups.
	Ready *atomic.Bool
}

// Server serves the v1 scan API.
type Server struct {
	cfg      Config
	logger   *logger.Logger
	router   *chi.Mux
	scans    ScanService
	validate *validator.Validate
	metrics  APIMetrics
	tracer   trace.Tracer
}

// NewServer wires middleware and routes around the scan service.
func NewServer(cfg Config, log *logger.Logger, scans ScanService, metrics APIMetrics, tracer trace.Tracer) (*Server, error) {
	if scans == nil {
		return nil, errors.New("api server requires a scan service")
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "api_server"),
		router:   chi.NewRouter(),
		scans:    scans,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		tracer:   tracer,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(otel.Middleware())
	s.router.Use(s.observeRequests)
	s.router.Use(middleware.Recoverer)

	s.routes()
	return s, nil
}

// Handler returns the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.handleSubmitScan)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScan)
				r.Post("/cancel", s.handleCancelScan)
			})
		})
	})
}

// observeRequests records a counter and a latency observation per request,
// labeled with the matched route pattern rather than the raw path to keep
// metric cardinality bounded.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			ctx := r.Context()
			// The route pattern is only resolved once chi has dispatched,
			// so it must be read after next.ServeHTTP returns.
			pattern := chi.RouteContext(ctx).RoutePattern()
			if s.metrics != nil {
				s.metrics.IncRequestsTotal(ctx, r.Method, pattern, ww.Status())
				s.metrics.ObserveRequestDuration(ctx, r.Method, pattern, time.Since(start))
			}
			s.logger.Info(ctx, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"trace_id", otel.GetTraceID(ctx),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

type submitRequest struct {
	ScopeID string   `json:"scope_id" validate:"required,uuid"`
	Targets []string `json:"targets" validate:"required,min=1,dive,required"`
	Modules []string `json:"modules" validate:"required,min=1,unique,dive,required"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type cancelResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type stageProfileResponse struct {
	CPUUnits int `json:"cpu_units"`
	MemoryMB int `json:"memory_mb"`
}

type jobResponse struct {
	ID            string                          `json:"id"`
	ScopeID       string                          `json:"scope_id"`
	Status        string                          `json:"status"`
	FailureReason string                          `json:"failure_reason,omitempty"`
	TargetCount   int                             `json:"target_count"`
	Modules       []string                        `json:"modules"`
	StageProfiles map[string]stageProfileResponse `json:"stage_profiles,omitempty"`
	StageResults  map[string]int64                `json:"stage_results,omitempty"`
	CreatedAt     time.Time                       `json:"created_at"`
	StartedAt     *time.Time                      `json:"started_at,omitempty"`
	CompletedAt   *time.Time                      `json:"completed_at,omitempty"`
}

func toJobResponse(job *scanning.Job) jobResponse {
	modules := make([]string, 0, len(job.Modules()))
	for _, m := range job.Modules() {
		modules = append(modules, m.String())
	}

	profiles := make(map[string]stageProfileResponse, len(job.StageProfiles()))
	for stage, p := range job.StageProfiles() {
		profiles[stage.String()] = stageProfileResponse{CPUUnits: p.CPUUnits, MemoryMB: p.MemoryMB}
	}

	results := make(map[string]int64, len(job.StageResults()))
	for stage, total := range job.StageResults() {
		results[stage.String()] = total
	}

	resp := jobResponse{
		ID:            job.JobID().String(),
		ScopeID:       job.ScopeID().String(),
		Status:        job.Status().String(),
		FailureReason: job.FailureReason(),
		TargetCount:   len(job.Targets()),
		Modules:       modules,
		StageProfiles: profiles,
		StageResults:  results,
		CreatedAt:     job.CreatedAt(),
	}
	if started := job.StartTime(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if end, ok := job.EndTime(); ok {
		resp.CompletedAt = &end
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready.Load() {
		s.respondError(r.Context(), w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.respond(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.submit_scan")
	defer span.End()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	scopeID, err := uuid.Parse(req.ScopeID)
	if err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, "scope_id is not a valid UUID")
		return
	}

	modules := make([]pipeline.StageKind, 0, len(req.Modules))
	for _, m := range req.Modules {
		kind, err := pipeline.ParseStageKind(m)
		if err != nil {
			s.respondError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		modules = append(modules, kind)
	}

	if s.metrics != nil {
		s.metrics.IncScanRequestsTotal(ctx)
	}

	jobID, err := s.scans.Submit(ctx, scopeID, req.Targets, modules)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submitting scan")
		if s.metrics != nil {
			s.metrics.IncScanRequestErrors(ctx, "submit")
		}
		s.logger.Error(ctx, "Server: Scan submission failed", "err", err)
		s.respondError(ctx, w, http.StatusInternalServerError, "scan submission failed")
		return
	}

	span.SetAttributes(attribute.String("job_id", jobID.String()))
	s.respond(ctx, w, http.StatusAccepted, submitResponse{JobID: jobID.String()})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := s.jobIDParam(ctx, w, r)
	if !ok {
		return
	}

	job, err := s.scans.Status(ctx, jobID)
	if err != nil {
		if errors.Is(err, scanning.ErrJobNotFound) {
			s.respondError(ctx, w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.logger.Error(ctx, "Server: Job lookup failed", "job_id", jobID.String(), "err", err)
		s.respondError(ctx, w, http.StatusInternalServerError, "job lookup failed")
		return
	}

	s.respond(ctx, w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := s.jobIDParam(ctx, w, r)
	if !ok {
		return
	}

	if err := s.scans.Cancel(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, scanning.ErrJobNotFound):
			s.respondError(ctx, w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		case errors.Is(err, scanning.ErrInvalidTransition):
			s.respondError(ctx, w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error(ctx, "Server: Cancellation failed", "job_id", jobID.String(), "err", err)
			s.respondError(ctx, w, http.StatusInternalServerError, "cancellation failed")
		}
		return
	}

	s.respond(ctx, w, http.StatusAccepted, cancelResponse{ID: jobID.String()})
}

func (s *Server) jobIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(ctx, w, http.StatusBadRequest, "job id is not a valid UUID")
		return uuid.Nil, false
	}
	return jobID, true
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(ctx, "Server: Encoding response failed", "err", err)
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	s.respond(ctx, w, status, errorResponse{Error: msg})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "Server: Shutdown failed", "err", err)
		}
	}()

	s.logger.Info(ctx, "Server: Listening", "addr", server.Addr)
	return server.ListenAndServe()
}
