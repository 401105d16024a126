// Package memory is an in-process backend for tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"internline/internal/domain"
	"internline/internal/indexer"
)

const defaultShards = 32

type tripleKey struct {
	uc  domain.UseCaseKey
	org int64
	s   string
}

type shard struct {
	mu sync.RWMutex
	m  map[tripleKey]domain.EncodedID
}

// Store keeps the forward index sharded by string and the reverse index in a
// single map so key uniqueness is checked atomically with the insert.
type Store struct {
	shards []shard

	keysMu sync.RWMutex
	keys   map[domain.EncodedID]domain.Mapping

	countersMu sync.Mutex
	counters   map[string]uint64
}

var (
	_ indexer.Backend = (*Store)(nil)
	_ indexer.Counter = (*Store)(nil)
)

func New(shards int) *Store {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Store{
		shards:   make([]shard, shards),
		keys:     make(map[domain.EncodedID]domain.Mapping),
		counters: make(map[string]uint64),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[tripleKey]domain.EncodedID)
	}
	return s
}

func (s *Store) Name() string { return "memory" }

func (s *Store) pick(k tripleKey) *shard {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00%s", k.uc, k.org, k.s)
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, str string) (domain.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return domain.Mapping{}, err
	}
	k := tripleKey{uc, orgID, str}
	sh := s.pick(k)
	sh.mu.RLock()
	key, ok := sh.m[k]
	sh.mu.RUnlock()
	if !ok {
		return domain.Mapping{}, indexer.ErrNotFound
	}
	return s.GetByKey(ctx, key)
}

func (s *Store) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return domain.Mapping{}, err
	}
	s.keysMu.RLock()
	m, ok := s.keys[key]
	s.keysMu.RUnlock()
	if !ok {
		return domain.Mapping{}, indexer.ErrNotFound
	}
	return m, nil
}

func (s *Store) Insert(ctx context.Context, m domain.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := tripleKey{m.UseCase, m.OrgID, m.String}
	sh := s.pick(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[k]; ok {
		return fmt.Errorf("string %q: %w", m.String, indexer.ErrAlreadyExists)
	}
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if _, ok := s.keys[m.Key]; ok {
		return fmt.Errorf("key %d: %w", m.Key, indexer.ErrAlreadyExists)
	}
	s.keys[m.Key] = m
	sh.m[k] = m.Key
	return nil
}

func (s *Store) CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	var n int64
	for _, m := range s.keys {
		if m.UseCase == uc && m.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

// Reserve advances a named counter; it satisfies idgen.Reserver.
func (s *Store) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	s.counters[name] += n
	return s.counters[name], nil
}

// Len returns the number of stored mappings.
func (s *Store) Len() int {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	return len(s.keys)
}
