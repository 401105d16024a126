package indexer

import (
	"context"
	"errors"
	"fmt"

	"internline/internal/domain"
)

// Backend sentinels. Backends wrap these so the indexer can branch with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrRejected marks a row the backend refuses to store (size, charset).
	ErrRejected = errors.New("rejected by backend")
	// ErrUnavailable marks connectivity loss or an exhausted pool. It makes a
	// bulk record fail as a whole.
	ErrUnavailable    = errors.New("backend unavailable")
	ErrInvalidUseCase = errors.New("invalid use case")
	ErrUnsupported    = errors.New("unsupported by backend")
)

// StorageError wraps any backend failure other than not-found.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// BatchError reports a bulk record that failed as a whole. No per-item
// results accompany it; callers must assume nothing from the batch committed
// and re-query if they need certainty.
type BatchError struct {
	UseCase domain.UseCaseKey
	Size    int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("bulk record %s (%d items): %v", e.UseCase, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// IsSystemic reports whether err should abort a whole batch.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
