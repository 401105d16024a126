package idgen

import (
	"errors"
	"math/bits"
)

var ErrInvalidWidth = errors.New("idgen: width must be between 1 and 64")

// ReverseBits reverses the order of the low width bits of value. Bits above
// width are discarded.
func ReverseBits(value uint64, width uint) (uint64, error) {
	if width == 0 || width > 64 {
		return 0, ErrInvalidWidth
	}
	if width < 64 {
		value &= 1<<width - 1
	}
	return bits.Reverse64(value) >> (64 - width), nil
}

// ReverseBits64 is ReverseBits at the full 64-bit width.
func ReverseBits64(value uint64) uint64 {
	return bits.Reverse64(value)
}
