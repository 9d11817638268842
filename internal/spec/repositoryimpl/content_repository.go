package repositoryimpl

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/storage"
)

const specContentPrefix = "specs"

// YAMLContentRepository keeps the documents of each spec in one YAML blob.
type YAMLContentRepository struct {
	storage storage.Storage
}

func NewYAMLContentRepository(s storage.Storage) *YAMLContentRepository {
	return &YAMLContentRepository{storage: s}
}

func contentPath(specID string) string {
	return fmt.Sprintf("%s/%s.yaml", specContentPrefix, specID)
}

func (r *YAMLContentRepository) Get(ctx context.Context, specID string) (*spec.Content, error) {
	data, err := r.storage.Read(ctx, contentPath(specID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("spec content", err)
	}
	var c spec.Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal spec content %s: %w", specID, err))
	}
	return &c, nil
}

func (r *YAMLContentRepository) Put(ctx context.Context, specID string, c *spec.Content) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal spec content %s: %w", specID, err))
	}
	if err := r.storage.Write(ctx, contentPath(specID), data); err != nil {
		return cerr.WrapStorageWriteError("spec content", err)
	}
	return nil
}

func (r *YAMLContentRepository) Delete(ctx context.Context, specID string) error {
	if err := r.storage.Delete(ctx, contentPath(specID)); err != nil {
		return cerr.WrapStorageDeleteError("spec content", err)
	}
	return nil
}
