package pushsubscription

import "context"

// Repository stores one subscription per push endpoint.
type Repository interface {
	// Save stores s, replacing any subscription with the same endpoint.
	Save(ctx context.Context, s *Subscription) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, endpoint string) error
}
