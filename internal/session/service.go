package session

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
)

type Service struct {
	repo  Repository
	clock clock.Clock
}

func NewService(repo Repository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

func (s *Service) Create(ctx context.Context, projectID string) (*Session, error) {
	if projectID == "" {
		return nil, cerr.ValidationError("project id is required")
	}
	now := s.clock.Now()
	sess := &Session{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("session: started", "session_id", sess.ID, "project_id", projectID)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, projectID string) ([]*Session, error) {
	return s.repo.ListActive(ctx, projectID)
}

// End closes the session. Ending an ended session is a no-op.
func (s *Service) End(ctx context.Context, id string) (*Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusEnded {
		return sess, nil
	}
	now := s.clock.Now()
	if err := s.repo.End(ctx, id, now); err != nil {
		return nil, err
	}
	sess.Status = StatusEnded
	sess.UpdatedAt = now
	slog.Info("session: ended", "session_id", id)
	return sess, nil
}

// Repository exposes the store for components that update the current
// work item inside their own transactions.
func (s *Service) Repository() Repository {
	return s.repo
}
