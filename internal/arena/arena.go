// Package arena allocates large, pointer-free record slices, preferring a
// madvise(MADV_HUGEPAGE)-backed anonymous mapping on Linux to cut TLB
// misses for the volume index's biggest allocations: the restored delta
// lists. Grounded on fusion/kmer_index.go's initShard, which gives the same
// rationale for its kmer hash table shards; simplified here to a typed
// fixed-size slice allocator instead of initShard's raw pointer-arithmetic
// table, since delta-list entries are sized once at restore time and never
// grown in place.
package arena

import "unsafe"

// NewSlice returns a zeroed slice of n T values. T must contain no pointers;
// callers that grow the result with append should expect Go's normal
// allocator to take over past cap(result), same as any other slice.
func NewSlice[T any](n int) []T {
	if n <= 0 {
		return nil
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	buf := newBytes(elemSize * n)
	if buf == nil {
		return make([]T, n)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n)
}
