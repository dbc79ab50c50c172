// Package server exposes the orchestrator's REST control plane (spec §6):
// run submission, status polling, gate decisions, and cancellation.
// Grounded on the teacher's pkg/server/http.go request-routing and
// middleware-chain style, adapted from a2a-go's per-agent JSON-RPC routing
// to a go-chi router over four fixed endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/outreachforge/orchestrator/pkg/model"
	"github.com/outreachforge/orchestrator/pkg/observability"
)

// Engine is the subset of workflow.Engine the control plane drives. Declared
// as an interface here so the HTTP layer does not import pkg/workflow
// directly, keeping the dependency edge one-directional.
type Engine interface {
	StartRun(ctx context.Context, cfg model.RunConfig) (string, error)
	GetStatus(ctx context.Context, runID string) (model.RunStatusView, error)
	SubmitGateDecision(ctx context.Context, gateID string, decision model.GateStatus, approverID, notes string) error
	CancelRun(ctx context.Context, runID string) error
}

// Server is the orchestrator's HTTP control plane.
type Server struct {
	engine Engine
	http   *http.Server
	obs    *observability.Manager
}

// New builds a Server bound to addr, routing through engine.
func New(addr string, engine Engine) *Server {
	s := &Server{engine: engine}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// WithObservability attaches the Manager whose Tracer/Metrics wrap every
// request in a span and record orchestrator_http_* counters, and whose
// MetricsHandler is mounted at its configured endpoint (default /metrics,
// SPEC_FULL §3a). Must be called before Start, since it rebuilds the
// router. A Server without this call runs with observability disabled.
func (s *Server) WithObservability(obs *observability.Manager) *Server {
	s.obs = obs
	s.http.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(observability.HTTPMiddleware(s.tracer(), s.metrics()))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/runs", s.handleStartRun)
	r.Get("/runs/{run_id}", s.handleGetStatus)
	r.Post("/gates/{gate_id}/decision", s.handleGateDecision)
	r.Post("/runs/{run_id}/cancel", s.handleCancelRun)
	r.Get(s.metricsPath(), s.handleMetrics)

	return r
}

func (s *Server) tracer() *observability.Tracer {
	if s.obs == nil {
		return nil
	}
	return s.obs.Tracer()
}

func (s *Server) metrics() *observability.Metrics {
	if s.obs == nil {
		return nil
	}
	return s.obs.Metrics()
}

func (s *Server) metricsPath() string {
	if s.obs == nil {
		return observability.DefaultMetricsPath
	}
	return s.obs.MetricsEndpoint()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.obs == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	s.obs.MetricsHandler().ServeHTTP(w, r)
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startRunRequest is the POST /runs body (spec §6: "POST /runs with a
// RunConfig -> {run_id}").
type startRunRequest struct {
	Niche        string            `json:"niche"`
	BudgetCapUSD float64           `json:"budget_cap_usd"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := model.RunConfig{Niche: req.Niche, BudgetCapUSD: req.BudgetCapUSD, Metadata: req.Metadata}
	runID, err := s.engine.StartRun(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	view, err := s.engine.GetStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, model.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// gateDecisionRequest is the POST /gates/{gate_id}/decision body (spec §6).
type gateDecisionRequest struct {
	Decision   model.GateStatus `json:"decision"`
	ApproverID string           `json:"approver_id"`
	Notes      string           `json:"notes,omitempty"`
}

func (s *Server) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gate_id")
	var req gateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.SubmitGateDecision(r.Context(), gateID, req.Decision, req.ApproverID, req.Notes); err != nil {
		switch {
		case errors.Is(err, model.ErrGateNotFound):
			writeError(w, http.StatusNotFound, "gate not found")
		case errors.Is(err, model.ErrGateNotPending), errors.Is(err, model.ErrGateAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.engine.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, model.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
