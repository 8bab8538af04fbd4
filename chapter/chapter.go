// Package chapter implements the virtual-chapter / index-chapter conversion
// the volume index relies on throughout: a caller-visible monotonic u64
// "virtual chapter" is stored internally as "virtual mod 2^C", and the
// difference between two index chapters must be computed modulo 2^C rather
// than by raw integer subtraction. No teacher file does circular/modular
// index arithmetic directly, so this package is new: plain functions over
// uint64/uint32 in the style of fusion/kmer_index.go's small arithmetic
// helpers, with no external bit-twiddling library involved.
package chapter

import "fmt"

// Window converts between virtual and index chapter numbers for an index
// with numChapters rounded chapters.
type Window struct {
	numChapters uint64
	bits        uint   // C = ceil(log2(numChapters))
	mask        uint64 // 2^C - 1
}

// New builds a Window for an index holding numChapters chapters.
func New(numChapters uint64) (*Window, error) {
	if numChapters == 0 {
		return nil, fmt.Errorf("chapter: numChapters must be positive")
	}
	bits := bitsFor(numChapters)
	return &Window{
		numChapters: numChapters,
		bits:        bits,
		mask:        (uint64(1) << bits) - 1,
	}, nil
}

// bitsFor returns ceil(log2(n)), i.e. the smallest C such that 2^C >= n.
func bitsFor(n uint64) uint {
	bits := uint(0)
	for (uint64(1) << bits) < n {
		bits++
	}
	return bits
}

// Bits returns C, the chapter-number bit width.
func (w *Window) Bits() uint { return w.bits }

// NumChapters returns the configured rounded chapter count.
func (w *Window) NumChapters() uint64 { return w.numChapters }

// ToIndexChapter maps a caller-visible virtual chapter to its on-wire
// representation: virtual mod 2^C.
func (w *Window) ToIndexChapter(virtual uint64) uint32 {
	return uint32(virtual & w.mask)
}

// InRange reports whether index chapter ic could plausibly be the chapter
// for some virtual chapter in [low, high], by checking that ic's modular
// distance from ToIndexChapter(low) lands within the [0, high-low] window.
func (w *Window) InRange(ic uint32, low, high uint64) bool {
	if high < low {
		return false
	}
	span := high - low
	lowIC := w.ToIndexChapter(low)
	dist := w.forwardDistance(lowIC, ic)
	return dist <= span
}

// forwardDistance returns the smallest non-negative k such that
// (from + k) mod 2^C == to.
func (w *Window) forwardDistance(from, to uint32) uint64 {
	return (uint64(to) - uint64(from)) & w.mask
}

// ModularDistance returns b-a as a signed distance in (-2^(C-1), 2^(C-1)],
// computed modulo 2^C.
func (w *Window) ModularDistance(a, b uint32) int64 {
	diff := (int64(b) - int64(a)) & int64(w.mask)
	half := int64(w.mask+1) / 2
	if diff > half {
		diff -= int64(w.mask + 1)
	}
	return diff
}

// ToVirtualChapter is the inverse of ToIndexChapter restricted to a zone's
// current window: given the index chapter ic of a stored record and the
// zone's [low, high] virtual-chapter range, it returns the unique virtual
// chapter in that range whose index chapter is ic, or ok=false if none
// exists (the record is stale and should be treated as not found).
func (w *Window) ToVirtualChapter(low, high uint64, ic uint32) (virtual uint64, ok bool) {
	if high < low {
		return 0, false
	}
	dist := w.forwardDistance(w.ToIndexChapter(low), ic)
	if dist > high-low {
		return 0, false
	}
	return low + dist, true
}

// NewLow returns max(0, v - numChapters + 1), the low-water mark a forward
// open-chapter move to virtual chapter v would establish if it keeps the
// index full.
func (w *Window) NewLow(v uint64) uint64 {
	if v+1 >= w.numChapters {
		return v + 1 - w.numChapters
	}
	return 0
}
