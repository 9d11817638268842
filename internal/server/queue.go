package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/specguild/internal/queue"
	"github.com/kazz187/specguild/pkg/cerr"
)

func (s *Server) queueRoutes(r chi.Router) {
	r.Route("/projects/{projectID}/queue", func(r chi.Router) {
		r.Get("/", cerr.JSON(s.getQueue))
		r.Post("/", cerr.JSON(s.addToQueue))
		r.Post("/reorder", cerr.JSON(s.reorderQueue))
		r.Get("/stats", cerr.JSON(s.queueStats))
	})
	r.Route("/queue/{itemID}", func(r chi.Router) {
		r.Get("/", cerr.JSON(s.getWorkItem))
		r.Post("/block", cerr.JSON(s.blockWorkItem))
		r.Post("/unblock", cerr.JSON(s.unblockWorkItem))
		r.Delete("/", cerr.JSON(s.removeWorkItem))
	})
}

func queueFilter(r *http.Request) (queue.Filter, error) {
	q := r.URL.Query()
	f := queue.Filter{Status: queue.Status(q.Get("status")), Text: q.Get("q")}
	for key, dst := range map[string]*int{"min_priority": &f.MinPriority, "max_priority": &f.MaxPriority} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, cerr.ValidationError(key + " must be an integer")
		}
		*dst = n
	}
	return f, nil
}

func (s *Server) getQueue(r *http.Request) (any, error) {
	f, err := queueFilter(r)
	if err != nil {
		return nil, err
	}
	items, err := s.queue.GetQueue(r.Context(), chi.URLParam(r, "projectID"), f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

type addToQueueRequest struct {
	SpecID   string `json:"spec_id"`
	Priority *int   `json:"priority"`
}

func (s *Server) addToQueue(r *http.Request) (any, error) {
	var req addToQueueRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.SpecID == "" {
		return nil, cerr.ValidationError("spec_id is required")
	}
	return s.queue.AddToQueue(r.Context(), chi.URLParam(r, "projectID"), req.SpecID, req.Priority)
}

type reorderRequest struct {
	Order []queue.Reorder `json:"order"`
}

func (s *Server) reorderQueue(r *http.Request) (any, error) {
	var req reorderRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	projectID := chi.URLParam(r, "projectID")
	if err := s.queue.ReorderQueue(r.Context(), projectID, req.Order); err != nil {
		return nil, err
	}
	items, err := s.queue.GetQueue(r.Context(), projectID, queue.Filter{})
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (s *Server) queueStats(r *http.Request) (any, error) {
	return s.queue.GetStats(r.Context(), chi.URLParam(r, "projectID"))
}

func (s *Server) getWorkItem(r *http.Request) (any, error) {
	return s.queue.Get(r.Context(), chi.URLParam(r, "itemID"))
}

type blockRequest struct {
	BlockedBy string `json:"blocked_by"`
}

func (s *Server) blockWorkItem(r *http.Request) (any, error) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.BlockedBy == "" {
		return nil, cerr.ValidationError("blocked_by is required")
	}
	return s.queue.BlockWorkItem(r.Context(), chi.URLParam(r, "itemID"), req.BlockedBy)
}

func (s *Server) unblockWorkItem(r *http.Request) (any, error) {
	return s.queue.UnblockWorkItem(r.Context(), chi.URLParam(r, "itemID"))
}

func (s *Server) removeWorkItem(r *http.Request) (any, error) {
	itemID := chi.URLParam(r, "itemID")
	if err := s.queue.RemoveFromQueue(r.Context(), itemID); err != nil {
		return nil, err
	}
	return map[string]string{"id": itemID}, nil
}
