package queue

import (
	"context"
	"time"
)

type Repository interface {
	Insert(ctx context.Context, w *WorkItem) error
	Get(ctx context.Context, id string) (*WorkItem, error)
	List(ctx context.Context, projectID string, filter Filter) ([]*WorkItem, error)
	// MaxPosition returns the largest position in the project, -1 when empty.
	MaxPosition(ctx context.Context, projectID string) (int, error)
	// FindOpenBySpec returns the newest item of the spec that is not completed.
	FindOpenBySpec(ctx context.Context, specID string) (*WorkItem, error)
	// NextQueued returns the first queued item in queue order.
	NextQueued(ctx context.Context, projectID string) (*WorkItem, error)
	Stats(ctx context.Context, projectID string) (*Stats, error)

	UpdatePosition(ctx context.Context, id string, position int) error
	// MarkAssigned moves a queued item to assigned. It reports false when the
	// item is no longer queued.
	MarkAssigned(ctx context.Context, id, sessionID string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	SetBlocked(ctx context.Context, id, blockedBy string) error
	Unblock(ctx context.Context, id string) error
	// UnblockDependents unblocks every item blocked by specID.
	UnblockDependents(ctx context.Context, specID string) (int, error)
	UpdatePriorityBySpec(ctx context.Context, specID string, priority int) (int, error)
	Delete(ctx context.Context, id string) error
}
