package worker

import (
	"context"
	"time"
)

type ListFilter struct {
	SessionID string
	SpecID    string
	ProjectID string
	Statuses  []Status
}

type Repository interface {
	// Create stores a new worker. It fails with ErrInvalidState when the
	// session already has a live worker for the spec.
	Create(ctx context.Context, w *Worker) error
	Get(ctx context.Context, id string) (*Worker, error)
	// List returns workers newest spawn first.
	List(ctx context.Context, filter ListFilter) ([]*Worker, error)
	MarkStarted(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkCompleted and MarkFailed only apply to live workers.
	MarkCompleted(ctx context.Context, id string, result *Result, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, message string, at time.Time) (bool, error)
	SetCancelled(ctx context.Context, id string, at time.Time) error
}

type ActivityRepository interface {
	Append(ctx context.Context, a *Activity) error
	// Recent returns up to limit of the newest records of the session at
	// or after since, oldest first. Records of other workers are left out;
	// unattributed records are included.
	Recent(ctx context.Context, sessionID, workerID string, since time.Time, limit int) ([]*Activity, error)
}
