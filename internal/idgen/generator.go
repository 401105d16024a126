package idgen

import (
	"context"
	"errors"
	"fmt"

	"internline/internal/domain"
)

// Id layout: [4 bits version][60 bits sequence].
const (
	VersionBits    = 4
	SequenceBits   = 64 - VersionBits
	MaxSequence    = 1<<SequenceBits - 1
	MaxVersion     = 1<<VersionBits - 1
	DefaultVersion = 2
)

var (
	ErrInvalidVersion    = errors.New("idgen: version must be between 1 and 15")
	ErrSequenceExhausted = errors.New("idgen: sequence exhausted")
)

// Sequence hands out strictly increasing values. Implementations must be safe
// for concurrent use and must never return the same value twice.
type Sequence interface {
	Next(ctx context.Context) (uint64, error)
}

// Generator mints versioned DecodedIDs from a Sequence.
type Generator struct {
	version uint64
	seq     Sequence
}

func New(version uint8, seq Sequence) (*Generator, error) {
	if version == 0 || version > MaxVersion {
		return nil, ErrInvalidVersion
	}
	if seq == nil {
		return nil, errors.New("idgen: sequence required")
	}
	return &Generator{version: uint64(version), seq: seq}, nil
}

// NextID returns a fresh identifier carrying the generator version in its top bits.
func (g *Generator) NextID(ctx context.Context) (domain.DecodedID, error) {
	n, err := g.seq.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	if n > MaxSequence {
		return 0, ErrSequenceExhausted
	}
	return domain.DecodedID(g.version<<SequenceBits | n), nil
}

func (g *Generator) Version() uint8 { return uint8(g.version) }

// Split returns the version prefix and sequence part of id.
func Split(id domain.DecodedID) (version uint8, seq uint64) {
	return uint8(uint64(id) >> SequenceBits), uint64(id) & MaxSequence
}
