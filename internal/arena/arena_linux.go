//go:build linux

package arena

import (
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// hugePageThreshold skips the mmap/madvise round trip for allocations too
// small for huge-page backing to matter.
const hugePageThreshold = 64 << 10

func newBytes(size int) []byte {
	if size < hugePageThreshold {
		return make([]byte, size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Printf("arena: mmap(%d) failed, falling back to a regular allocation: %v", size, err)
		return make([]byte, size)
	}
	if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil {
		log.Printf("arena: madvise(MADV_HUGEPAGE) failed, continuing without it: %v", err)
	}
	return buf
}
