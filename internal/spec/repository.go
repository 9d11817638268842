package spec

import (
	"context"
	"time"
)

type ListFilter struct {
	ProjectID string
	Status    Status
}

type Repository interface {
	Create(ctx context.Context, s *Spec) error
	Get(ctx context.Context, id string) (*Spec, error)
	List(ctx context.Context, filter ListFilter) ([]*Spec, error)
	// UpdateStatus moves the spec from -> to only if it is still in from.
	// It reports false when the stored status differs.
	UpdateStatus(ctx context.Context, id string, from, to Status, by string, at time.Time) (bool, error)
	UpdatePriority(ctx context.Context, id string, priority int, classification string, at time.Time) error

	AppendTransition(ctx context.Context, r *TransitionRecord) error
	ListTransitions(ctx context.Context, specID string) ([]*TransitionRecord, error)

	InsertApplied(ctx context.Context, a *AppliedSpec) error
	GetApplied(ctx context.Context, specID string) (*AppliedSpec, error)
	UpdateVerification(ctx context.Context, specID string, status VerificationStatus, at time.Time) error
}

type ContentRepository interface {
	Get(ctx context.Context, specID string) (*Content, error)
	Put(ctx context.Context, specID string, c *Content) error
	Delete(ctx context.Context, specID string) error
}

// TxRunner runs fn in a transaction carried by the context given to fn.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
