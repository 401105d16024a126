// Package pebble keeps the string index in an embedded Pebble database.
//
// Key layout:
//
//	s\x00{use case}\x00{org: 8 bytes BE}{string} -> encoded id (8 bytes BE)
//	k\x00{encoded id: 8 bytes BE}                -> JSON mapping
//	q\x00{sequence name}                         -> counter (8 bytes BE)
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"internline/internal/domain"
	"internline/internal/indexer"
)

var (
	prefixString   = []byte("s\x00")
	prefixKey      = []byte("k\x00")
	prefixSequence = []byte("q\x00")
)

type record struct {
	UseCase   domain.UseCaseKey `json:"uc"`
	OrgID     int64             `json:"org"`
	String    string            `json:"s"`
	CreatedAt time.Time         `json:"ts"`
}

// Store serializes writes through a mutex so the two index entries of a
// mapping are checked and committed together.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

var (
	_ indexer.BatchBackend = (*Store)(nil)
	_ indexer.Counter      = (*Store)(nil)
)

// Open opens the database at path. An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w: %w", path, err, indexer.ErrUnavailable)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Name() string { return "pebble" }

func stringKey(uc domain.UseCaseKey, orgID int64, str string) []byte {
	k := orgPrefix(uc, orgID)
	return append(k, str...)
}

func orgPrefix(uc domain.UseCaseKey, orgID int64) []byte {
	k := make([]byte, 0, len(prefixString)+len(uc)+1+8)
	k = append(k, prefixString...)
	k = append(k, uc...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, uint64(orgID))
}

func keyKey(key domain.EncodedID) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixKey...), uint64(key))
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) get(k []byte) ([]byte, error) {
	v, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, indexer.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, str string) (domain.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return domain.Mapping{}, err
	}
	v, err := s.get(stringKey(uc, orgID, str))
	if err != nil {
		return domain.Mapping{}, err
	}
	return s.GetByKey(ctx, domain.EncodedID(binary.BigEndian.Uint64(v)))
}

func (s *Store) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return domain.Mapping{}, err
	}
	v, err := s.get(keyKey(key))
	if err != nil {
		return domain.Mapping{}, err
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return domain.Mapping{}, fmt.Errorf("decode mapping %d: %w", key, err)
	}
	return domain.Mapping{Key: key, UseCase: r.UseCase, OrgID: r.OrgID, String: r.String, CreatedAt: r.CreatedAt}, nil
}

func (s *Store) Insert(ctx context.Context, m domain.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := s.stage(b, m); err != nil {
		return err
	}
	return classify(b.Commit(pebble.Sync))
}

func (s *Store) GetManyByString(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) ([]domain.Mapping, error) {
	var out []domain.Mapping
	for _, org := range items.Orgs() {
		for _, str := range items[org] {
			m, err := s.GetByString(ctx, uc, org, str)
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

// InsertMany commits every non-conflicting row in one batch. Rows within the
// batch that collide with each other keep the first occurrence.
func (s *Store) InsertMany(ctx context.Context, rows []domain.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewIndexedBatch()
	defer b.Close()
	for _, m := range rows {
		err := s.stage(b, m)
		if errors.Is(err, indexer.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return classify(b.Commit(pebble.Sync))
}

// stage adds m to the indexed batch b unless its key or string is taken,
// either in the database or earlier in b. Callers hold s.mu.
func (s *Store) stage(b *pebble.Batch, m domain.Mapping) error {
	sk, kk := stringKey(m.UseCase, m.OrgID, m.String), keyKey(m.Key)
	for _, k := range [][]byte{sk, kk} {
		_, closer, err := b.Get(k)
		if err == nil {
			closer.Close()
			return fmt.Errorf("mapping %d for %q: %w", m.Key, m.String, indexer.ErrAlreadyExists)
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return classify(err)
		}
	}
	val, err := json.Marshal(record{UseCase: m.UseCase, OrgID: m.OrgID, String: m.String, CreatedAt: m.CreatedAt.UTC()})
	if err != nil {
		return err
	}
	if err := b.Set(sk, binary.BigEndian.AppendUint64(nil, uint64(m.Key)), nil); err != nil {
		return classify(err)
	}
	return classify(b.Set(kk, val, nil))
}

func (s *Store) CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	prefix := orgPrefix(uc, orgID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, classify(err)
	}
	defer it.Close()
	var n int64
	for ok := it.First(); ok; ok = it.Next() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		n++
	}
	return n, classify(it.Error())
}

// Reserve advances the named counter by n and returns the new value.
func (s *Store) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k := append(append([]byte(nil), prefixSequence...), name...)
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur uint64
	v, err := s.get(k)
	switch {
	case err == nil:
		cur = binary.BigEndian.Uint64(v)
	case !errors.Is(err, indexer.ErrNotFound):
		return 0, err
	}
	next := cur + n
	if err := s.db.Set(k, binary.BigEndian.AppendUint64(nil, next), pebble.Sync); err != nil {
		return 0, classify(err)
	}
	return next, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pebble.ErrClosed) {
		return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
	}
	return err
}
