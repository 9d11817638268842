package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/specguild/internal/failure"
	"github.com/kazz187/specguild/pkg/cerr"
)

func (s *Server) failureRoutes(r chi.Router) {
	r.Post("/failures/reports", cerr.JSON(s.ingestReport))
	r.Get("/failures/history", cerr.JSON(s.failureHistory))
}

func (s *Server) ingestReport(r *http.Request) (any, error) {
	var report failure.Report
	if err := decode(r, &report); err != nil {
		return nil, err
	}
	stored, err := s.failures.Ingest(r.Context(), &report)
	if err != nil {
		return nil, err
	}
	return map[string]any{"failures": stored}, nil
}

func (s *Server) failureHistory(r *http.Request) (any, error) {
	name := r.URL.Query().Get("test_name")
	if name == "" {
		return nil, cerr.ValidationError("test_name is required")
	}
	return s.failures.History(r.Context(), name)
}
