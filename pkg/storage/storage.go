package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage is a flat key/blob store addressed by slash separated paths.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	// List returns the paths of the blobs directly under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

type Options struct {
	Type    string // "local" or "s3"
	BaseDir string
	Bucket  string
	Prefix  string
	Region  string
}

func Open(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Type {
	case "", "local":
		return NewLocalStorage(opts.BaseDir)
	case "s3":
		return NewS3Storage(ctx, opts.Bucket, opts.Prefix, opts.Region)
	default:
		return nil, fmt.Errorf("unknown storage type %q", opts.Type)
	}
}
