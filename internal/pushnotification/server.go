package pushnotification

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/internal/config"
	"github.com/kazz187/specguild/internal/pushsubscription"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
)

type Server struct {
	vapid *config.VAPIDEnv
	repo  pushsubscription.Repository
	clock clock.Clock
}

func NewServer(vapid *config.VAPIDEnv, repo pushsubscription.Repository, clk clock.Clock) *Server {
	return &Server{vapid: vapid, repo: repo, clock: clk}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/push/vapid-public-key", cerr.JSON(s.vapidPublicKey))
	r.Post("/push/subscriptions", cerr.JSON(s.register))
	r.Delete("/push/subscriptions", cerr.JSON(s.unregister))
}

func (s *Server) vapidPublicKey(*http.Request) (any, error) {
	if !s.vapid.PushEnabled() {
		return nil, cerr.NewError(cerr.Unavailable, "push notifications are not configured", nil)
	}
	return map[string]string{"public_key": s.vapid.VAPIDPublicKey}, nil
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// register stores a subscription. Registering a known endpoint again
// replaces its keys and keeps its id.
func (s *Server) register(r *http.Request) (any, error) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, cerr.ValidationError("malformed subscription: " + err.Error())
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return nil, cerr.ValidationError("endpoint must be https and keys.p256dh and keys.auth are required")
	}
	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: s.clock.Now(),
	}
	existing, err := s.repo.FindByEndpoint(r.Context(), req.Endpoint)
	switch {
	case err == nil:
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	case !errors.Is(err, cerr.ErrNotFound):
		return nil, err
	}
	if err := s.repo.Save(r.Context(), sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Server) unregister(r *http.Request) (any, error) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, cerr.ValidationError("malformed subscription: " + err.Error())
	}
	if err := s.repo.Delete(r.Context(), req.Endpoint); err != nil {
		return nil, err
	}
	return map[string]string{"endpoint": req.Endpoint}, nil
}
