package repositoryimpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/specguild/internal/pushsubscription"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/storage"
)

const prefix = "push_subscriptions"

// YAMLRepository keeps each subscription in its own blob named after a
// digest of the endpoint, so lookups by endpoint are a single read.
type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

var _ pushsubscription.Repository = (*YAMLRepository)(nil)

func key(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return prefix + "/" + hex.EncodeToString(sum[:16]) + ".yaml"
}

func (r *YAMLRepository) Save(ctx context.Context, s *pushsubscription.Subscription) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, key(s.Endpoint), data); err != nil {
		return cerr.WrapStorageWriteError("push subscription", err)
	}
	return nil
}

func (r *YAMLRepository) read(ctx context.Context, p string) (*pushsubscription.Subscription, error) {
	data, err := r.storage.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var s pushsubscription.Subscription
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", p, err)
	}
	return &s, nil
}

func (r *YAMLRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	s, err := r.read(ctx, key(endpoint))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, cerr.NotFoundError("push subscription", endpoint)
	}
	if err != nil {
		return nil, cerr.WrapStorageReadError("push subscription", err)
	}
	return s, nil
}

// List skips blobs that cannot be read or parsed.
func (r *YAMLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	paths, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push subscriptions", err)
	}
	all := make([]*pushsubscription.Subscription, 0, len(paths))
	for _, p := range paths {
		s, err := r.read(ctx, p)
		if err != nil {
			slog.Warn("push subscription: skipping entry", "path", p, "error", err)
			continue
		}
		all = append(all, s)
	}
	return all, nil
}

func (r *YAMLRepository) Delete(ctx context.Context, endpoint string) error {
	if err := r.storage.Delete(ctx, key(endpoint)); err != nil {
		return cerr.WrapStorageDeleteError("push subscription", err)
	}
	return nil
}
