// Package idgentest provides deterministic sequences for tests.
package idgentest

import (
	"context"
	"errors"
	"sync"
)

var ErrDrained = errors.New("idgentest: fixed sequence drained")

// FixedSequence replays a fixed list of values, then fails with ErrDrained.
type FixedSequence struct {
	mu     sync.Mutex
	values []uint64
}

func NewFixedSequence(values ...uint64) *FixedSequence {
	return &FixedSequence{values: values}
}

func (s *FixedSequence) Next(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0, ErrDrained
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, nil
}
