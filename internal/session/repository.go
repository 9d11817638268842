package session

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// ListActive returns active sessions, all projects when projectID is "".
	ListActive(ctx context.Context, projectID string) ([]*Session, error)
	End(ctx context.Context, id string, at time.Time) error
	// SetCurrentWorkItem claims the session for itemID. It reports false when
	// the session already holds another item.
	SetCurrentWorkItem(ctx context.Context, id, itemID string, at time.Time) (bool, error)
	// ClearCurrentWorkItem releases itemID if the session still holds it.
	ClearCurrentWorkItem(ctx context.Context, id, itemID string, at time.Time) error
}
