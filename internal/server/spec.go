package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
)

func (s *Server) specRoutes(r chi.Router) {
	r.Post("/projects/{projectID}/specs", cerr.JSON(s.createSpec))
	r.Route("/specs/{specID}", func(r chi.Router) {
		r.Get("/", cerr.JSON(s.getSpec))
		r.Put("/content", cerr.JSON(s.updateSpecContent))
		r.Post("/approve", cerr.JSON(s.approveSpec))
		r.Post("/reject", cerr.JSON(s.rejectSpec))
		r.Post("/apply", cerr.JSON(s.applySpec))
		r.Post("/verify", cerr.JSON(s.verifySpec))
		r.Post("/transition", cerr.JSON(s.transitionSpec))
		r.Get("/history", cerr.JSON(s.specHistory))
	})
}

type createSpecRequest struct {
	Title   string        `json:"title"`
	Content *spec.Content `json:"content"`
}

func (s *Server) createSpec(r *http.Request) (any, error) {
	var req createSpecRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return s.lifecycle.Create(r.Context(), spec.CreateInput{
		ProjectID: chi.URLParam(r, "projectID"),
		Title:     req.Title,
		Origin:    spec.OriginUser,
		Content:   req.Content,
	})
}

type specResponse struct {
	*spec.Spec
	Content        *spec.Content `json:"content,omitempty"`
	TasksCompleted int           `json:"tasks_completed"`
}

func (s *Server) getSpec(r *http.Request) (any, error) {
	ctx := r.Context()
	specID := chi.URLParam(r, "specID")
	sp, err := s.lifecycle.Get(ctx, specID)
	if err != nil {
		return nil, err
	}
	resp := &specResponse{Spec: sp}
	c, err := s.lifecycle.Content(ctx, specID)
	switch {
	case err == nil:
		resp.Content = c
	case !cerr.IsCode(err, cerr.NotFound):
		return nil, err
	}
	if resp.TasksCompleted, err = s.lifecycle.TasksCompletionPercentage(ctx, specID); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) updateSpecContent(r *http.Request) (any, error) {
	var c spec.Content
	if err := decode(r, &c); err != nil {
		return nil, err
	}
	specID := chi.URLParam(r, "specID")
	if _, err := s.lifecycle.Get(r.Context(), specID); err != nil {
		return nil, err
	}
	if _, err := s.lifecycle.UpdateContent(r.Context(), specID, &c); err != nil {
		return nil, err
	}
	return s.lifecycle.Content(r.Context(), specID)
}

type userRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

func (req userRequest) validate() error {
	if req.UserID == "" {
		return cerr.ValidationError("user_id is required")
	}
	return nil
}

func (s *Server) approveSpec(r *http.Request) (any, error) {
	var req userRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.lifecycle.Approve(r.Context(), chi.URLParam(r, "specID"), req.UserID)
}

func (s *Server) rejectSpec(r *http.Request) (any, error) {
	var req userRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.lifecycle.Reject(r.Context(), chi.URLParam(r, "specID"), req.Notes, req.UserID)
}

type applyRequest struct {
	userRequest
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) applySpec(r *http.Request) (any, error) {
	var req applyRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.lifecycle.MarkApplied(r.Context(), chi.URLParam(r, "specID"), spec.ApplyInput{
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		Notes:     req.Notes,
		UserID:    req.UserID,
	})
}

type verifyRequest struct {
	Status spec.VerificationStatus `json:"status"`
}

func (s *Server) verifySpec(r *http.Request) (any, error) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return s.lifecycle.RecordVerification(r.Context(), chi.URLParam(r, "specID"), req.Status)
}

type transitionRequest struct {
	userRequest
	To        spec.Status `json:"to"`
	SessionID string      `json:"session_id"`
}

// transitionSpec is the manual escape hatch for any legal transition. It is
// always recorded as a user trigger.
func (s *Server) transitionSpec(r *http.Request) (any, error) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.lifecycle.Transition(r.Context(), chi.URLParam(r, "specID"), req.To, spec.TriggerUser,
		spec.WithUser(req.UserID), spec.WithNotes(req.Notes), spec.WithSession(req.SessionID))
}

func (s *Server) specHistory(r *http.Request) (any, error) {
	records, err := s.lifecycle.History(r.Context(), chi.URLParam(r, "specID"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"transitions": records}, nil
}
