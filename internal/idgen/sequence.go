package idgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// AtomicSequence is an in-process counter. Values start after the seed.
type AtomicSequence struct {
	n atomic.Uint64
}

func NewAtomicSequence(seed uint64) *AtomicSequence {
	s := &AtomicSequence{}
	s.n.Store(seed)
	return s
}

func (s *AtomicSequence) Next(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.n.Add(1), nil
}

// Reserver durably advances the named counter by n and returns its new value,
// which is the inclusive upper bound of the reserved range.
type Reserver interface {
	Reserve(ctx context.Context, name string, n uint64) (uint64, error)
}

// BlockSequence reserves ranges of blockSize values from a Reserver and serves
// them from memory. A crash loses the unused tail of the current range, so ids
// may have gaps but are never handed out twice.
type BlockSequence struct {
	mu        sync.Mutex
	reserver  Reserver
	name      string
	blockSize uint64
	next      uint64
	upper     uint64
}

func NewBlockSequence(r Reserver, name string, blockSize uint64) *BlockSequence {
	if blockSize == 0 {
		blockSize = 1
	}
	return &BlockSequence{reserver: r, name: name, blockSize: blockSize}
}

func (s *BlockSequence) Next(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 || s.next > s.upper {
		hi, err := s.reserver.Reserve(ctx, s.name, s.blockSize)
		if err != nil {
			return 0, fmt.Errorf("reserve %s: %w", s.name, err)
		}
		if hi < s.blockSize {
			return 0, fmt.Errorf("reserve %s: counter %d below block size %d", s.name, hi, s.blockSize)
		}
		s.upper = hi
		s.next = hi - s.blockSize + 1
	}
	v := s.next
	s.next++
	return v, nil
}
