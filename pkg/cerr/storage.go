package cerr

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/kazz187/specguild/pkg/storage"
)

func WrapStorageReadError(target string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), errors.Join(ErrNotFound, err))
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to read %s: %w", target, err))
}

func WrapStorageWriteError(target string, err error) error {
	return NewError(Internal, "server error", fmt.Errorf("failed to write %s: %w", target, err))
}

func WrapStorageDeleteError(target string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), errors.Join(ErrNotFound, err))
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to delete %s: %w", target, err))
}

// WrapDBError converts a database error for target/id into a coded error.
// sql.ErrNoRows becomes NotFound.
func WrapDBError(target, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundError(target, id)
	}
	return NewError(Internal, "server error", fmt.Errorf("%s %s: %w", target, id, err))
}
