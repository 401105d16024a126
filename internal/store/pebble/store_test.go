package pebble_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"internline/internal/codec"
	"internline/internal/domain"
	"internline/internal/idgen"
	"internline/internal/indexer"
	"internline/internal/logging"
	"internline/internal/store/pebble"
)

func openMem(t *testing.T) *pebble.Store {
	t.Helper()
	s, err := pebble.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndLookup(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m := domain.Mapping{Key: -5, UseCase: domain.UseCasePerformance, OrgID: 3, String: "GET /", CreatedAt: now}
	require.NoError(t, s.Insert(ctx, m))

	got, err := s.GetByString(ctx, domain.UseCasePerformance, 3, "GET /")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	got, err = s.GetByKey(ctx, -5)
	require.NoError(t, err)
	assert.Equal(t, "GET /", got.String)

	_, err = s.GetByString(ctx, domain.UseCaseReleaseHealth, 3, "GET /")
	assert.ErrorIs(t, err, indexer.ErrNotFound)

	dup := m
	dup.Key = 6
	assert.ErrorIs(t, s.Insert(ctx, dup), indexer.ErrAlreadyExists)
	dup = m
	dup.String = "POST /"
	assert.ErrorIs(t, s.Insert(ctx, dup), indexer.ErrAlreadyExists)
}

func TestInsertManySkipsConflicts(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, domain.Mapping{Key: 1, UseCase: domain.UseCasePerformance, OrgID: 1, String: "a"}))

	require.NoError(t, s.InsertMany(ctx, []domain.Mapping{
		{Key: 2, UseCase: domain.UseCasePerformance, OrgID: 1, String: "a"},
		{Key: 3, UseCase: domain.UseCasePerformance, OrgID: 1, String: "b"},
		{Key: 3, UseCase: domain.UseCasePerformance, OrgID: 1, String: "c"},
		{Key: 4, UseCase: domain.UseCasePerformance, OrgID: 2, String: "a"},
	}))

	rows, err := s.GetManyByString(ctx, domain.UseCasePerformance, domain.OrgStrings{1: {"a", "b", "c"}, 2: {"a"}})
	require.NoError(t, err)
	byString := map[int64]map[string]domain.EncodedID{}
	for _, r := range rows {
		if byString[r.OrgID] == nil {
			byString[r.OrgID] = map[string]domain.EncodedID{}
		}
		byString[r.OrgID][r.String] = r.Key
	}
	assert.Equal(t, map[int64]map[string]domain.EncodedID{
		1: {"a": 1, "b": 3},
		2: {"a": 4},
	}, byString)

	n, err := s.CountStrings(ctx, domain.UseCasePerformance, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.CountStrings(ctx, domain.UseCaseReleaseHealth, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReservePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	s, err := pebble.Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	hi, err := s.Reserve(ctx, "ids", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), hi)
	require.NoError(t, s.Close())

	s, err = pebble.Open(path)
	require.NoError(t, err)
	defer s.Close()
	hi, err = s.Reserve(ctx, "ids", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), hi)
}

func TestIndexerOverPebble(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	gen, err := idgen.New(idgen.DefaultVersion, idgen.NewBlockSequence(s, "string_index", 4))
	require.NoError(t, err)
	ix := indexer.New(s, gen, codec.IdentityCodec{})
	ix.Logger = logging.Discard()

	res, err := ix.BulkRecord(ctx, domain.UseCasePerformance, domain.OrgStrings{
		1: {"a", "b", "c", "d", "e", "a"},
	})
	require.NoError(t, err)
	require.Equal(t, 5, res.Len())
	for _, r := range res.Results() {
		assert.Equal(t, domain.StatusCreated, r.Status)
		s, ok, err := ix.ReverseResolve(ctx, domain.UseCasePerformance, r.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, r.String, s)
	}
	n, err := ix.Count(ctx, domain.UseCasePerformance, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
