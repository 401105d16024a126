// Package codec converts between DecodedIDs and the EncodedIDs stored as keys.
package codec

import (
	"fmt"

	"internline/internal/domain"
	"internline/internal/idgen"
)

// Codec is an exact inverse pair between two identifier spaces.
type Codec[D, E any] interface {
	Encode(D) E
	Decode(E) D
}

// KeyCodec is the codec shape the indexer and backends use.
type KeyCodec = Codec[domain.DecodedID, domain.EncodedID]

const signShift = uint64(1) << 63

// IDCodec reverses all 64 bits and shifts the result into the signed range,
// so sequential ids land far apart in key order.
type IDCodec struct{}

func (IDCodec) Encode(id domain.DecodedID) domain.EncodedID {
	return domain.EncodedID(idgen.ReverseBits64(uint64(id)) - signShift)
}

func (IDCodec) Decode(e domain.EncodedID) domain.DecodedID {
	return domain.DecodedID(idgen.ReverseBits64(uint64(e) + signShift))
}

// IdentityCodec stores ids as-is for backends that do not shard by key range.
type IdentityCodec struct{}

func (IdentityCodec) Encode(id domain.DecodedID) domain.EncodedID { return domain.EncodedID(id) }
func (IdentityCodec) Decode(e domain.EncodedID) domain.DecodedID  { return domain.DecodedID(e) }

const (
	NameReversed = "reversed"
	NameIdentity = "identity"
)

// ByName returns the codec registered under name.
func ByName(name string) (KeyCodec, error) {
	switch name {
	case NameReversed:
		return IDCodec{}, nil
	case NameIdentity:
		return IdentityCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
