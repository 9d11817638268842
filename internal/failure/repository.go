package failure

import "context"

type Repository interface {
	Record(ctx context.Context, f *Failure) error
	// ListPending returns unresolved failures not yet linked to a spec,
	// oldest first.
	ListPending(ctx context.Context, limit int) ([]*Failure, error)
	// LinkSpec links a pending failure to specID. It reports false when the
	// failure was already linked.
	LinkSpec(ctx context.Context, failureID, specID string) (bool, error)
	ResolveBySpec(ctx context.Context, specID string) (int, error)

	GetHistory(ctx context.Context, testName string) (*History, error)
	PutHistory(ctx context.Context, h *History) error

	// FindProposal returns the newest tracked proposal for the test with the
	// given normalized error.
	FindProposal(ctx context.Context, testName, normalizedError string) (*TrackedProposal, error)
	GetProposal(ctx context.Context, specID string) (*TrackedProposal, error)
	InsertProposal(ctx context.Context, p *TrackedProposal) error
	UpdateProposal(ctx context.Context, p *TrackedProposal) error
}
