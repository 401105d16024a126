package indexer

import (
	"context"

	"internline/internal/domain"
)

// Backend is the storage collaborator. Rows are keyed by EncodedID with a
// unique secondary path on (use case, org, string).
type Backend interface {
	Name() string
	// GetByString returns ErrNotFound when the string is not interned.
	GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.Mapping, error)
	// GetByKey returns ErrNotFound when no row carries key.
	GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error)
	// Insert returns ErrAlreadyExists when either the key or the
	// (use case, org, string) triple is taken.
	Insert(ctx context.Context, m domain.Mapping) error
}

// BatchBackend is implemented by backends with native multi-row operations.
type BatchBackend interface {
	Backend
	GetManyByString(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) ([]domain.Mapping, error)
	// InsertMany writes rows and silently skips any that conflict.
	InsertMany(ctx context.Context, rows []domain.Mapping) error
}

// Counter is implemented by backends that can count strings per org.
type Counter interface {
	CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error)
}

// IDSource mints fresh DecodedIDs.
type IDSource interface {
	NextID(ctx context.Context) (domain.DecodedID, error)
}
