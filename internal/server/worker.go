package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/cerr"
)

func (s *Server) workerRoutes(r chi.Router) {
	r.Get("/workers", cerr.JSON(s.listWorkers))
	r.Route("/workers/{workerID}", func(r chi.Router) {
		r.Get("/", cerr.JSON(s.getWorker))
		r.Post("/cancel", cerr.JSON(s.cancelWorker))
		r.Post("/retry", cerr.JSON(s.retryWorker))
	})
	r.Get("/agent-types", cerr.JSON(func(*http.Request) (any, error) {
		return map[string]any{"agent_types": worker.AgentTypes()}, nil
	}))
}

// listWorkers lists live workers unless status is given, possibly repeated.
func (s *Server) listWorkers(r *http.Request) (any, error) {
	q := r.URL.Query()
	f := worker.ListFilter{
		SessionID: q.Get("session_id"),
		SpecID:    q.Get("spec_id"),
		ProjectID: q.Get("project_id"),
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, worker.Status(st))
	}
	workers, err := s.workers.ListActive(r.Context(), f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workers": workers}, nil
}

func (s *Server) getWorker(r *http.Request) (any, error) {
	return s.workers.Get(r.Context(), chi.URLParam(r, "workerID"))
}

func (s *Server) cancelWorker(r *http.Request) (any, error) {
	return s.workers.Cancel(r.Context(), chi.URLParam(r, "workerID"))
}

type retryRequest struct {
	AgentType worker.AgentType `json:"agent_type"`
}

type retryResponse struct {
	Worker             *worker.Worker `json:"worker,omitempty"`
	ManualIntervention bool           `json:"manual_intervention"`
}

func (s *Server) retryWorker(r *http.Request) (any, error) {
	var req retryRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	w, err := s.workers.Retry(r.Context(), chi.URLParam(r, "workerID"), req.AgentType)
	if err != nil {
		return nil, err
	}
	return &retryResponse{Worker: w, ManualIntervention: w == nil}, nil
}
