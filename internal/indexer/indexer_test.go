package indexer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"internline/internal/codec"
	"internline/internal/domain"
	"internline/internal/events"
	"internline/internal/idgen"
	"internline/internal/idgen/idgentest"
	"internline/internal/indexer"
	"internline/internal/logging"
	"internline/internal/store/memory"
)

const uc = domain.UseCasePerformance

// faultyBackend wraps the memory store with switchable failures.
type faultyBackend struct {
	*memory.Store
	mu          sync.Mutex
	failInsert  map[string]error
	unavailable bool
	// raceOn inserts a competing row before reporting a conflict.
	raceOn map[string]domain.EncodedID
}

func newFaulty() *faultyBackend {
	return &faultyBackend{
		Store:      memory.New(4),
		failInsert: map[string]error{},
		raceOn:     map[string]domain.EncodedID{},
	}
}

func (f *faultyBackend) down() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return fmt.Errorf("dial tcp: %w", indexer.ErrUnavailable)
	}
	return nil
}

func (f *faultyBackend) GetByString(ctx context.Context, u domain.UseCaseKey, org int64, s string) (domain.Mapping, error) {
	if err := f.down(); err != nil {
		return domain.Mapping{}, err
	}
	return f.Store.GetByString(ctx, u, org, s)
}

func (f *faultyBackend) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	if err := f.down(); err != nil {
		return domain.Mapping{}, err
	}
	return f.Store.GetByKey(ctx, key)
}

func (f *faultyBackend) Insert(ctx context.Context, m domain.Mapping) error {
	if err := f.down(); err != nil {
		return err
	}
	f.mu.Lock()
	failErr := f.failInsert[m.String]
	raceKey, race := f.raceOn[m.String]
	delete(f.raceOn, m.String)
	f.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if race {
		winner := m
		winner.Key = raceKey
		if err := f.Store.Insert(ctx, winner); err != nil {
			return err
		}
	}
	return f.Store.Insert(ctx, m)
}

// batchBackend adds native multi-row operations on top of the memory store.
type batchBackend struct {
	*memory.Store
	getMany    int
	insertMany int
	failMany   error
}

func (b *batchBackend) GetManyByString(ctx context.Context, u domain.UseCaseKey, items domain.OrgStrings) ([]domain.Mapping, error) {
	b.getMany++
	if b.failMany != nil {
		return nil, b.failMany
	}
	var out []domain.Mapping
	for org, strs := range items {
		for _, s := range strs {
			m, err := b.Store.GetByString(ctx, u, org, s)
			if errors.Is(err, indexer.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *batchBackend) InsertMany(ctx context.Context, rows []domain.Mapping) error {
	b.insertMany++
	for _, m := range rows {
		if err := b.Store.Insert(ctx, m); err != nil && !errors.Is(err, indexer.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

type countingMetrics struct {
	mu      sync.Mutex
	records map[domain.RecordStatus]int
	hits    int
	misses  int
	batches []int
}

func (c *countingMetrics) ObserveRecord(_ domain.UseCaseKey, st domain.RecordStatus, _ time.Duration, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records == nil {
		c.records = map[domain.RecordStatus]int{}
	}
	c.records[st]++
}

func (c *countingMetrics) ObserveResolve(_ domain.UseCaseKey, hit bool, _ time.Duration, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func (c *countingMetrics) ObserveReverseResolve(domain.UseCaseKey, bool, time.Duration, error) {}

func (c *countingMetrics) ObserveBatch(_ domain.UseCaseKey, size, _ int, _ time.Duration, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, size)
}

func newIndexer(t *testing.T, b indexer.Backend) *indexer.Indexer {
	t.Helper()
	gen, err := idgen.New(idgen.DefaultVersion, idgen.NewAtomicSequence(0))
	require.NoError(t, err)
	ix := indexer.New(b, gen, codec.IDCodec{})
	ix.Logger = logging.Discard()
	return ix
}

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New(4)
	ix := newIndexer(t, store)

	first, err := ix.Record(ctx, uc, 1, "foo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, first.Status)

	second, err := ix.Record(ctx, uc, 1, "foo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExisting, second.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestResolveBeforeRecordIsAbsent(t *testing.T) {
	ix := newIndexer(t, memory.New(4))
	id, ok, err := ix.Resolve(context.Background(), uc, 1, "unseen-string")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, id)
}

func TestReverseResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(t, memory.New(4))
	for _, s := range []string{"a", "transaction.duration", strings.Repeat("x", 200)} {
		r, err := ix.Record(ctx, uc, 3, s)
		require.NoError(t, err)
		require.True(t, r.Present())

		got, ok, err := ix.ReverseResolve(ctx, uc, r.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s, got)

		id, ok, err := ix.Resolve(ctx, uc, 3, s)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, r.ID, id)
	}

	_, ok, err := ix.ReverseResolve(ctx, uc, 12345)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReverseResolveScopedToUseCase(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(t, memory.New(4))
	r, err := ix.Record(ctx, domain.UseCaseReleaseHealth, 1, "session.status")
	require.NoError(t, err)

	_, ok, err := ix.ReverseResolve(ctx, domain.UseCasePerformance, r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrossOrgIsolation(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(t, memory.New(4))
	a, err := ix.Record(ctx, uc, 1, "same")
	require.NoError(t, err)
	b, err := ix.Record(ctx, uc, 2, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRecordRejectsByPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.New(4)
	ix := newIndexer(t, store)

	r, err := ix.Record(ctx, uc, 1, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, r.Status)

	r, err = ix.Record(ctx, uc, 1, strings.Repeat("x", 201))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, r.Status)
	assert.Contains(t, r.Reason, "200")
	assert.Zero(t, store.Len())
}

func TestUnknownUseCaseFailsFast(t *testing.T) {
	ix := newIndexer(t, memory.New(4))
	_, err := ix.Record(context.Background(), "spans", 1, "a")
	assert.ErrorIs(t, err, indexer.ErrInvalidUseCase)
	_, _, err = ix.Resolve(context.Background(), "spans", 1, "a")
	assert.ErrorIs(t, err, indexer.ErrInvalidUseCase)
	_, err = ix.BulkRecord(context.Background(), "spans", domain.OrgStrings{1: {"a"}})
	assert.ErrorIs(t, err, indexer.ErrInvalidUseCase)
}

func TestRecordRecoversFromInsertRace(t *testing.T) {
	ctx := context.Background()
	b := newFaulty()
	b.raceOn["contested"] = 777
	ix := newIndexer(t, b)

	r, err := ix.Record(ctx, uc, 1, "contested")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExisting, r.Status)
	assert.Equal(t, codec.IDCodec{}.Decode(777), r.ID, "the winner's id is returned")
}

func TestRecordRetriesOnKeyCollision(t *testing.T) {
	ctx := context.Background()
	store := memory.New(4)
	c := codec.IDCodec{}
	first, second := domain.DecodedID(2<<60|1), domain.DecodedID(2<<60|2)
	require.NoError(t, store.Insert(ctx, domain.Mapping{Key: c.Encode(first), UseCase: uc, OrgID: 9, String: "squatter"}))

	gen, err := idgen.New(2, idgentest.NewFixedSequence(1, 2))
	require.NoError(t, err)
	ix := indexer.New(store, gen, c)
	ix.Logger = logging.Discard()

	r, err := ix.Record(ctx, uc, 1, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, r.Status)
	assert.Equal(t, second, r.ID)
}

func TestRecordPropagatesStorageError(t *testing.T) {
	b := newFaulty()
	b.unavailable = true
	ix := newIndexer(t, b)

	_, err := ix.Record(context.Background(), uc, 1, "a")
	var se *indexer.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get", se.Op)
	assert.ErrorIs(t, err, indexer.ErrUnavailable)

	_, ok, err := ix.Resolve(context.Background(), uc, 1, "a")
	assert.False(t, ok)
	assert.Error(t, err, "I/O errors are never reported as absent")
}

func TestBulkRecordIsolatesItemFailure(t *testing.T) {
	ctx := context.Background()
	b := newFaulty()
	b.failInsert["bad"] = errors.New("value too long for column")
	ix := newIndexer(t, b)

	res, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"good", "bad"}, 2: {"also-good"}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Len())

	good, _ := res.Get(1, "good")
	assert.True(t, good.Present())
	other, _ := res.Get(2, "also-good")
	assert.True(t, other.Present())
	bad, ok := res.Get(1, "bad")
	require.True(t, ok)
	assert.False(t, bad.Present())
	assert.Equal(t, domain.StatusRejected, bad.Status)
	assert.Equal(t, domain.OrgStrings{1: {"bad"}}, res.Unmapped())
}

func TestBulkRecordSystemicFailure(t *testing.T) {
	b := newFaulty()
	b.unavailable = true
	ix := newIndexer(t, b)
	ix.Workers = 4

	res, err := ix.BulkRecord(context.Background(), uc, domain.OrgStrings{1: {"a", "b"}, 2: {"c"}})
	assert.Nil(t, res)
	var be *indexer.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.Size)
	assert.ErrorIs(t, err, indexer.ErrUnavailable)
}

func TestBulkRecordCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix := newIndexer(t, memory.New(4))
	res, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"a"}})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBulkRecordMatchesSingleRecord(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(t, memory.New(4))
	ix.Workers = 3
	existing, err := ix.Record(ctx, uc, 1, "seen")
	require.NoError(t, err)

	res, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"seen", "new", "new", ""}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Len(), "duplicates collapse")

	seen, _ := res.Get(1, "seen")
	assert.Equal(t, existing.ID, seen.ID)
	assert.Equal(t, domain.StatusExisting, seen.Status)
	fresh, _ := res.Get(1, "new")
	assert.Equal(t, domain.StatusCreated, fresh.Status)
	empty, _ := res.Get(1, "")
	assert.Equal(t, domain.StatusRejected, empty.Status)
}

func TestBulkRecordNativePath(t *testing.T) {
	ctx := context.Background()
	bb := &batchBackend{Store: memory.New(4)}
	ix := newIndexer(t, bb)
	bus := &events.Bus{Logger: logging.Discard()}
	var created []events.Event
	bus.Subscribe(events.ListenerFunc(func(_ context.Context, evt events.Event) error {
		created = append(created, evt)
		return nil
	}))
	ix.Events = bus

	pre, err := ix.Record(ctx, uc, 1, "old")
	require.NoError(t, err)
	created = nil

	res, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"old", "n1"}, 2: {"n2", strings.Repeat("y", 300)}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Len())
	assert.Equal(t, 2, bb.getMany)
	assert.Equal(t, 1, bb.insertMany)

	old, _ := res.Get(1, "old")
	assert.Equal(t, pre.ID, old.ID)
	assert.Equal(t, domain.StatusExisting, old.Status)
	n1, _ := res.Get(1, "n1")
	assert.Equal(t, domain.StatusCreated, n1.Status)
	long, _ := res.Get(2, strings.Repeat("y", 300))
	assert.Equal(t, domain.StatusRejected, long.Status)
	assert.Len(t, created, 2)

	got, ok, err := ix.ReverseResolve(ctx, uc, n1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n1", got)
}

func TestBulkRecordNativeFallsBackOnItemError(t *testing.T) {
	ctx := context.Background()
	bb := &batchBackend{Store: memory.New(4), failMany: errors.New("syntax error at or near")}
	ix := newIndexer(t, bb)

	res, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"a", "b"}})
	require.NoError(t, err)
	assert.Len(t, res.Mapped()[1], 2)
}

func TestBulkRecordNativeSystemic(t *testing.T) {
	bb := &batchBackend{Store: memory.New(4), failMany: fmt.Errorf("pool closed: %w", indexer.ErrUnavailable)}
	ix := newIndexer(t, bb)
	res, err := ix.BulkRecord(context.Background(), uc, domain.OrgStrings{1: {"a"}})
	assert.Nil(t, res)
	var be *indexer.BatchError
	assert.ErrorAs(t, err, &be)
}

func TestConcurrentRecordSameString(t *testing.T) {
	ctx := context.Background()
	store := memory.New(4)
	ix := newIndexer(t, store)

	ids := make([]domain.DecodedID, 16)
	var eg errgroup.Group
	for i := range ids {
		i := i
		eg.Go(func() error {
			r, err := ix.Record(ctx, uc, 5, "hot")
			ids[i] = r.ID
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.Len())
}

func TestMetricsAndCount(t *testing.T) {
	ctx := context.Background()
	m := &countingMetrics{}
	ix := newIndexer(t, memory.New(4))
	ix.Metrics = m

	_, _ = ix.Record(ctx, uc, 1, "a")
	_, _ = ix.Record(ctx, uc, 1, "a")
	_, _, _ = ix.Resolve(ctx, uc, 1, "a")
	_, _, _ = ix.Resolve(ctx, uc, 1, "b")
	_, err := ix.BulkRecord(ctx, uc, domain.OrgStrings{1: {"b", "c"}})
	require.NoError(t, err)

	assert.Equal(t, 3, m.records[domain.StatusCreated])
	assert.Equal(t, 1, m.records[domain.StatusExisting])
	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 1, m.misses)
	assert.Equal(t, []int{2}, m.batches)

	n, err := ix.Count(ctx, uc, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCountUnsupported(t *testing.T) {
	ix := newIndexer(t, &noCount{memory.New(1)})
	_, err := ix.Count(context.Background(), uc, 1)
	assert.ErrorIs(t, err, indexer.ErrUnsupported)
}

type noCount struct{ s *memory.Store }

func (n *noCount) Name() string { return "nocount" }
func (n *noCount) GetByString(ctx context.Context, u domain.UseCaseKey, org int64, s string) (domain.Mapping, error) {
	return n.s.GetByString(ctx, u, org, s)
}
func (n *noCount) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	return n.s.GetByKey(ctx, key)
}
func (n *noCount) Insert(ctx context.Context, m domain.Mapping) error { return n.s.Insert(ctx, m) }
