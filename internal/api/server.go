// Package api exposes the plan operations over HTTP JSON, plus the
// Prometheus metrics and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"orchard/internal/config"
	"orchard/internal/events"
	"orchard/internal/logging"
	"orchard/internal/metrics"
	"orchard/internal/plan"
	"orchard/internal/scheduler"
)

// Server serves the plan API.
type Server struct {
	cfg   *config.Config
	sch   *scheduler.Scheduler
	cache *events.Cache
	reg   prometheus.Gatherer

	srv *http.Server
}

// NewServer wires the HTTP surface. reg may be nil to omit /metrics.
func NewServer(cfg *config.Config, sch *scheduler.Scheduler, cache *events.Cache, reg prometheus.Gatherer) *Server {
	s := &Server{cfg: cfg, sch: sch, cache: cache, reg: reg}
	s.srv = &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/plans", s.handleSubmit)
	mux.HandleFunc("GET /v1/plans/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/plans/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /v1/plans/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /v1/plans/{id}/report", s.handleReport)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.reg != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.reg))
	}
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.API("Plan API listening on %s", s.cfg.API.Listen)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ----------------------------------------------------------------------------
// Wire types
// ----------------------------------------------------------------------------

type stagePayload struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	SLOMs     int64    `json:"slo_ms"`
	DependsOn []string `json:"depends_on,omitempty"`
	Units     int64    `json:"units,omitempty"`
}

type submitRequest struct {
	Name        string           `json:"name"`
	Stages      []stagePayload   `json:"stages"`
	Constraints plan.Constraints `json:"constraints"`
}

type submitResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	PlanID      string      `json:"plan_id"`
	Status      plan.Status `json:"status"`
	DoneShards  int         `json:"done_shards"`
	TotalShards int         `json:"total_shards"`
	Counts      plan.Counts `json:"counts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	stages := make([]plan.Stage, 0, len(req.Stages))
	for _, sp := range req.Stages {
		stages = append(stages, plan.Stage{
			ID:        sp.ID,
			Kind:      sp.Kind,
			SLO:       time.Duration(sp.SLOMs) * time.Millisecond,
			DependsOn: sp.DependsOn,
			Units:     sp.Units,
		})
	}

	p, err := s.sch.Submit(r.Context(), req.Name, stages, req.Constraints)
	if err != nil {
		var ve *scheduler.PlanValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusUnprocessableEntity, ve.Error())
			return
		}
		logging.Get(logging.CategoryAPI).Error("Submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	logging.API("Submitted plan %s", p.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{PlanID: p.ID, Status: string(p.Status)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	status, counts, err := s.sch.Status(r.Context(), planID)
	if err != nil {
		s.writeOpError(w, planID, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		PlanID:      planID,
		Status:      status,
		DoneShards:  counts.Done,
		TotalShards: counts.Total,
		Counts:      counts,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	if err := s.sch.Abort(planID); err != nil {
		s.writeOpError(w, planID, err)
		return
	}
	logging.API("Aborted plan %s", planID)
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": planID, "status": "aborted"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "retry requires the admin token")
		return
	}
	planID := r.PathValue("id")
	if err := s.sch.Retry(planID); err != nil {
		if errors.Is(err, scheduler.ErrNotRetryable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeOpError(w, planID, err)
		return
	}
	logging.API("Retried plan %s", planID)

	status, _, err := s.sch.Status(r.Context(), planID)
	if err != nil {
		s.writeOpError(w, planID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": planID, "status": string(status)})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	rep, err := s.sch.Report(r.Context(), planID)
	if err != nil {
		s.writeOpError(w, planID, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("plan")
	if planID == "" {
		writeError(w, http.StatusBadRequest, "plan query parameter is required")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	evs := s.cache.Query(planID, since)
	if evs == nil {
		evs = []*plan.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// authorized checks the bearer token on privileged operations. An
// unset token disables those operations entirely.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.API.AdminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == s.cfg.API.AdminToken
}

func (s *Server) writeOpError(w http.ResponseWriter, planID string, err error) {
	if errors.Is(err, scheduler.ErrUnknownPlan) {
		writeError(w, http.StatusNotFound, "unknown plan "+planID)
		return
	}
	logging.Get(logging.CategoryAPI).Error("Operation on plan %s failed: %v", planID, err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
