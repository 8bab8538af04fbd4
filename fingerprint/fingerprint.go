// Package fingerprint implements the bit-slicing contract that turns a
// 128-bit content fingerprint into the (address, delta-list, sample) triple
// the rest of the volume index operates on.
package fingerprint

import (
	"encoding/binary"
	"fmt"

	farm "github.com/dgryski/go-farm"
)

// Size is the length, in bytes, of a fingerprint.
const Size = 16

// Fingerprint is an opaque 128-bit content identifier (a "chunk name").
type Fingerprint [Size]byte

// MaxAddressBits is the largest address width the codec supports; beyond
// this the address no longer fits the 32-bit field used throughout the
// index.
const MaxAddressBits = 31

// Codec extracts the address and delta-list number from a fingerprint; the
// sample predicate over the sample bits is the package-level IsSample.
// The byte windows used by extractVolumeIndexBytes and
// extractSamplingBytes are part of the on-disk contract: a saved index can
// only be restored by a Codec that slices the same windows.
type Codec struct {
	addressBits uint
	listCount   uint32
}

// NewCodec builds a Codec. addressBits must be in (0, MaxAddressBits];
// listCount must be positive.
func NewCodec(addressBits uint, listCount uint32) (*Codec, error) {
	if addressBits == 0 || addressBits > MaxAddressBits {
		return nil, fmt.Errorf("fingerprint: address bits %d out of range (1..%d)", addressBits, MaxAddressBits)
	}
	if listCount == 0 {
		return nil, fmt.Errorf("fingerprint: list count must be positive")
	}
	return &Codec{addressBits: addressBits, listCount: listCount}, nil
}

// AddressBits reports the configured address width.
func (c *Codec) AddressBits() uint { return c.addressBits }

// ListCount reports the configured number of delta lists.
func (c *Codec) ListCount() uint32 { return c.listCount }

// extractVolumeIndexBytes reads the 8-byte little-endian window that the
// address and delta-list number are sliced from.
func extractVolumeIndexBytes(fp Fingerprint) uint64 {
	return binary.LittleEndian.Uint64(fp[0:8])
}

// extractSamplingBytes reads the disjoint 8-byte window the sample
// predicate is evaluated over.
func extractSamplingBytes(fp Fingerprint) uint64 {
	return binary.LittleEndian.Uint64(fp[8:16])
}

// Address returns the address field: the key a fingerprint occupies within
// its delta list.
func (c *Codec) Address(fp Fingerprint) uint32 {
	bits := extractVolumeIndexBytes(fp)
	return uint32(bits & ((uint64(1) << c.addressBits) - 1))
}

// List returns the delta-list number the fingerprint is assigned to.
func (c *Codec) List(fp Fingerprint) uint32 {
	bits := extractVolumeIndexBytes(fp)
	return uint32((bits >> c.addressBits) % uint64(c.listCount))
}

// IsSample evaluates the sample predicate for a given rate. A rate of zero
// means "no fingerprint is ever sampled".
func IsSample(fp Fingerprint, sampleRate uint32) bool {
	if sampleRate == 0 {
		return false
	}
	return extractSamplingBytes(fp)%uint64(sampleRate) == 0
}

// Digest64 returns a 64-bit FarmHash digest of the full fingerprint. It is
// used by deltaindex to disambiguate address collisions without paying for
// a full 128-bit comparison when Config.StoreFullFingerprint is false.
func Digest64(fp Fingerprint) uint64 {
	return farm.Hash64(fp[:])
}
