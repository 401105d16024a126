package idgen_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"internline/internal/domain"
	"internline/internal/idgen"
	"internline/internal/idgen/idgentest"
)

func TestReverseBitsKnownValues(t *testing.T) {
	v, err := idgen.ReverseBits(1, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, v)

	v, err = idgen.ReverseBits(0b0011, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1100), v)

	v, err = idgen.ReverseBits(0xF1, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1000), v, "bits above width are dropped")

	v, err = idgen.ReverseBits(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestReverseBitsRejectsWidth(t *testing.T) {
	for _, w := range []uint{0, 65, 128} {
		_, err := idgen.ReverseBits(1, w)
		assert.ErrorIs(t, err, idgen.ErrInvalidWidth, "width %d", w)
	}
}

func TestReverseBitsSelfInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := []uint64{0, 1, math.MaxInt64, 1 << 63, math.MaxUint64}
	for i := 0; i < 1000; i++ {
		values = append(values, rng.Uint64())
	}
	for _, v := range values {
		assert.Equal(t, v, idgen.ReverseBits64(idgen.ReverseBits64(v)))
		for _, w := range []uint{8, 33, 64} {
			once, err := idgen.ReverseBits(v, w)
			require.NoError(t, err)
			twice, err := idgen.ReverseBits(once, w)
			require.NoError(t, err)
			masked := v
			if w < 64 {
				masked &= 1<<w - 1
			}
			assert.Equal(t, masked, twice)
		}
	}
}

func TestGeneratorLayout(t *testing.T) {
	g, err := idgen.New(idgen.DefaultVersion, idgentest.NewFixedSequence(1, 2, idgen.MaxSequence))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := g.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DecodedID(2<<60|1), first)

	second, err := g.NextID(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	last, err := g.NextID(ctx)
	require.NoError(t, err)
	version, seq := idgen.Split(last)
	assert.Equal(t, uint8(2), version)
	assert.Equal(t, uint64(idgen.MaxSequence), seq)

	_, err = g.NextID(ctx)
	assert.ErrorIs(t, err, idgentest.ErrDrained)
}

func TestGeneratorRejectsOverflowAndVersion(t *testing.T) {
	_, err := idgen.New(0, idgen.NewAtomicSequence(0))
	assert.ErrorIs(t, err, idgen.ErrInvalidVersion)
	_, err = idgen.New(16, idgen.NewAtomicSequence(0))
	assert.ErrorIs(t, err, idgen.ErrInvalidVersion)

	g, err := idgen.New(1, idgentest.NewFixedSequence(idgen.MaxSequence+1))
	require.NoError(t, err)
	_, err = g.NextID(context.Background())
	assert.ErrorIs(t, err, idgen.ErrSequenceExhausted)
}

func TestVersionsNeverCollide(t *testing.T) {
	ctx := context.Background()
	v1, _ := idgen.New(1, idgen.NewAtomicSequence(0))
	v2, _ := idgen.New(2, idgen.NewAtomicSequence(0))
	a, err := v1.NextID(ctx)
	require.NoError(t, err)
	b, err := v2.NextID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

type memReserver struct {
	mu       sync.Mutex
	counters map[string]uint64
	calls    int
	fail     error
}

func (m *memReserver) Reserve(_ context.Context, name string, n uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	if m.counters == nil {
		m.counters = map[string]uint64{}
	}
	m.calls++
	m.counters[name] += n
	return m.counters[name], nil
}

func TestBlockSequenceReservesRanges(t *testing.T) {
	r := &memReserver{}
	seq := idgen.NewBlockSequence(r, "ids", 10)
	ctx := context.Background()
	for want := uint64(1); want <= 25; want++ {
		got, err := seq.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, r.calls)

	// a second process sharing the reserver skips the first one's block
	other := idgen.NewBlockSequence(r, "ids", 10)
	got, err := other.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(31), got)
}

func TestBlockSequencePropagatesReserveError(t *testing.T) {
	boom := errors.New("counter offline")
	seq := idgen.NewBlockSequence(&memReserver{fail: boom}, "ids", 4)
	_, err := seq.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentNextIDUnique(t *testing.T) {
	g, err := idgen.New(idgen.DefaultVersion, idgen.NewBlockSequence(&memReserver{}, "ids", 7))
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[domain.DecodedID]struct{})
	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 200; i++ {
				id, err := g.NextID(context.Background())
				if err != nil {
					return err
				}
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					return errors.New("duplicate id")
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Len(t, seen, 1600)
}
