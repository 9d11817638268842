package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/specguild/pkg/cerr"
)

func (s *Server) sessionRoutes(r chi.Router) {
	r.Get("/projects/{projectID}/sessions", cerr.JSON(s.listSessions))
	r.Post("/projects/{projectID}/sessions", cerr.JSON(s.createSession))
	r.Get("/sessions/{sessionID}", cerr.JSON(s.getSession))
	r.Delete("/sessions/{sessionID}", cerr.JSON(s.endSession))
}

func (s *Server) listSessions(r *http.Request) (any, error) {
	sessions, err := s.sessions.ListActive(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) createSession(r *http.Request) (any, error) {
	return s.sessions.Create(r.Context(), chi.URLParam(r, "projectID"))
}

func (s *Server) getSession(r *http.Request) (any, error) {
	return s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
}

func (s *Server) endSession(r *http.Request) (any, error) {
	return s.sessions.End(r.Context(), chi.URLParam(r, "sessionID"))
}
