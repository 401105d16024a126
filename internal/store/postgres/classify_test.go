package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"internline/internal/indexer"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, indexer.ErrAlreadyExists},
		{"too long", &pgconn.PgError{Code: "22001"}, indexer.ErrRejected},
		{"connection failure", &pgconn.PgError{Code: "08006"}, indexer.ErrUnavailable},
		{"shutdown", fmt.Errorf("query: %w", &pgconn.PgError{Code: "57P01"}), indexer.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, indexer.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	assert.NoError(t, classify(nil))
	other := &pgconn.PgError{Code: "42P01"}
	got := classify(other)
	assert.False(t, errors.Is(got, indexer.ErrUnavailable))
	assert.False(t, errors.Is(got, indexer.ErrAlreadyExists))
}
