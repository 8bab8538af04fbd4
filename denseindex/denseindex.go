// Package denseindex implements the V5 dense volume index: a delta-list-
// sharded associative array from fingerprint to virtual chapter, with a
// lazy per-list LRU that ages out stale entries and a hard per-zone bit
// budget enforced by early-flushing the oldest chapter when exceeded.
// Grounded on fusion/kmer_index.go for the zone/shard wiring and
// encoding/pam/fieldio/writer.go for the record-cursor free-list idiom
// (github.com/grailbio/base/syncqueue.LIFO).
package denseindex

import (
	"encoding/binary"
	"math/bits"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
	"github.com/pkg/errors"

	"github.com/hashvault/volumeindex/chapter"
	"github.com/hashvault/volumeindex/deltaindex"
	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/internal/ratelimit"
	"github.com/hashvault/volumeindex/internal/vierr"
	"github.com/hashvault/volumeindex/iostream"
	"github.com/hashvault/volumeindex/zone"
)

const vi005Magic = "MI5-0005"

// zoneTag derives a single checksum byte from a zone's identity within a
// volume. Restore compares it after the nonce and list range have already
// been validated (a stream from another zone fails that list-range check
// with ErrCorruptData); a tag mismatch itself is only logged (SetTag's
// contract per deltaindex: informational, not fatal on mismatch).
func zoneTag(nonce uint64, first, count uint32) byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], nonce)
	binary.LittleEndian.PutUint32(buf[8:12], first)
	binary.LittleEndian.PutUint32(buf[12:16], count)
	return byte(seahash.Sum64(buf[:]))
}

// Config parameterizes a dense index, mirroring spec.md §4.2's parameter
// derivation.
type Config struct {
	// RecordsPerChapter is R: the expected number of records added in one
	// chapter.
	RecordsPerChapter uint64
	// ChaptersPerVolume is C: the number of rounded chapters the index
	// retains before the oldest is aged out under normal (non-early-flush)
	// operation.
	ChaptersPerVolume uint64
	// MeanDelta is M: the expected gap between consecutive addresses
	// within a delta list, used to size both the address-bit width and
	// the per-chapter byte estimate.
	MeanDelta uint64
	// Zones is the number of independently-mutated shards.
	Zones uint32
	// MinLists floors L below the derived R·C'/256 estimate; the spec
	// names max_zones² as the default. Zero means derive a floor from
	// Zones² automatically.
	MinLists uint32
	// StoreFullFingerprint, forwarded to deltaindex.Config, trades 128
	// stored disambiguation bits per entry for 64.
	StoreFullFingerprint bool
}

// derived holds the values Config.derive computes once at construction.
type derived struct {
	listCount      uint32
	addressBits    uint
	bitsPerChapter uint64
	maxZoneBits    uint64
}

func (c Config) derive() (derived, error) {
	if c.RecordsPerChapter == 0 {
		return derived{}, errors.Wrap(vierr.ErrInvalidArgument, "records per chapter must be positive")
	}
	if c.ChaptersPerVolume == 0 {
		return derived{}, errors.Wrap(vierr.ErrInvalidArgument, "chapters per volume must be positive")
	}
	if c.Zones == 0 {
		return derived{}, errors.Wrap(vierr.ErrInvalidArgument, "zone count must be positive")
	}
	if c.MeanDelta == 0 {
		c.MeanDelta = 1
	}

	minLists := c.MinLists
	if minLists == 0 {
		minLists = c.Zones * c.Zones
		if minLists == 0 {
			minLists = 1
		}
	}
	// C' rounds C up by one chapter: the geometry must still map cleanly
	// if the index later shrinks by a single chapter (reduced geometry).
	reducedChapters := c.ChaptersPerVolume + 1
	estimated := (c.RecordsPerChapter*reducedChapters + 255) / 256
	listCount := uint32(estimated)
	if listCount < minLists {
		listCount = minLists
	}
	if listCount == 0 {
		listCount = 1
	}

	// spec.md §4.2: A = ceil(log2(M*256)). bits.Len64 alone overshoots by
	// one bit whenever M*256 is an exact power of two (the common case,
	// since 256 itself is one), so ceilLog2 subtracts 1 first.
	addressBits := ceilLog2(c.MeanDelta * 256)
	if addressBits == 0 {
		addressBits = 1
	}
	if addressBits > fingerprint.MaxAddressBits {
		return derived{}, errors.Wrapf(vierr.ErrInvalidArgument, "configuration yields %d address bits, exceeds %d", addressBits, fingerprint.MaxAddressBits)
	}

	chapterBits := uint(bits.Len64(reducedChapters - 1))
	bitsPerChapter := deltaindex.ComputeSize(c.RecordsPerChapter, c.MeanDelta, chapterBits, c.StoreFullFingerprint)

	// Reserve ~6% slack above the projected per-zone size, target 5%
	// free, and cap per-zone bits at what's left after reserving that
	// target.
	projected := bitsPerChapter * c.ChaptersPerVolume / uint64(max32(c.Zones, 1))
	totalAllocated := projected + projected*6/100
	targetFree := totalAllocated * 5 / 100
	maxZoneBits := uint64(0)
	if totalAllocated > targetFree {
		maxZoneBits = (totalAllocated - targetFree)
	}

	return derived{
		listCount:      listCount,
		addressBits:    addressBits,
		bitsPerChapter: bitsPerChapter,
		maxZoneBits:    maxZoneBits,
	}, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// ceilLog2 returns ceil(log2(v)), with ceilLog2(0) == ceilLog2(1) == 0.
// bits.Len64(v) alone computes floor(log2(v))+1, which equals ceil(log2(v))
// only when v is not an exact power of two; subtracting 1 from v first
// corrects for that case.
func ceilLog2(v uint64) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len64(v - 1))
}

// zoneState is spec.md §3's ZoneState tuple.
type zoneState struct {
	virtualLow      uint64
	virtualHigh     uint64
	earlyFlushCount uint64
}

// recordMagic guards against use-after-terminal-operation on a Record.
type recordMagic int

const (
	magicLocated recordMagic = iota + 1
	magicInvalid
)

// Record is the handle get_record hands back: a located (or insertion-
// point) position plus enough state for put_record/set_record_chapter/
// remove_record to act on it exactly once.
type Record struct {
	magic          recordMagic
	isFound        bool
	isCollision    bool
	virtualChapter uint64
	list           uint32
	zoneNum        uint32
	address        uint32
	fp             fingerprint.Fingerprint
	cursor         deltaindex.Cursor
}

// IsFound reports whether the fingerprint this record was located for
// already had an entry.
func (r *Record) IsFound() bool { return r.isFound }

// IsCollision reports whether the addressed (list, address) pair already
// (or, on an unfound record, would) hold more than one fingerprint.
func (r *Record) IsCollision() bool { return r.isCollision }

// VirtualChapter returns the chapter last associated with this record by
// get_record, put_record, or set_record_chapter.
func (r *Record) VirtualChapter() uint64 { return r.virtualChapter }

// Index is a V5 dense volume index.
type Index struct {
	cfg       Config
	der       derived
	codec     *fingerprint.Codec
	partition *zone.Partition
	window    *chapter.Window
	delta     *deltaindex.Index
	zones     []zoneState
	// flushChapters[list] is the smallest virtual chapter whose entries
	// for that list have not yet been aged out.
	flushChapters []uint64
	nonce         uint64
	overflowLimit *ratelimit.Limiter
	flushLimit    *ratelimit.Limiter
	recordPool    *syncqueue.LIFO
}

// New builds an empty dense index.
func New(cfg Config, nonce uint64) (*Index, error) {
	der, err := cfg.derive()
	if err != nil {
		return nil, err
	}
	codec, err := fingerprint.NewCodec(der.addressBits, der.listCount)
	if err != nil {
		return nil, errors.Wrap(err, "denseindex: building fingerprint codec")
	}
	partition, err := zone.NewPartition(cfg.Zones, der.listCount)
	if err != nil {
		return nil, errors.Wrap(err, "denseindex: building zone partition")
	}
	win, err := chapter.New(cfg.ChaptersPerVolume)
	if err != nil {
		return nil, errors.Wrap(err, "denseindex: building chapter window")
	}

	zoneSpecs := make([]deltaindex.ZoneSpec, cfg.Zones)
	for z := uint32(0); z < cfg.Zones; z++ {
		zoneSpecs[z] = deltaindex.ZoneSpec{
			FirstList: partition.FirstListInZone(z),
			NumLists:  partition.ListCountInZone(z),
		}
	}
	delta, err := deltaindex.Initialize(deltaindex.Config{
		ListCount:            der.listCount,
		Zones:                zoneSpecs,
		MaxZoneBits:          der.maxZoneBits,
		StoreFullFingerprint: cfg.StoreFullFingerprint,
	})
	if err != nil {
		return nil, errors.Wrap(err, "denseindex: building delta index")
	}

	pool := syncqueue.NewLIFO()
	for i := 0; i < 64; i++ {
		pool.Put(&Record{})
	}

	idx := &Index{
		cfg:           cfg,
		der:           der,
		codec:         codec,
		partition:     partition,
		window:        win,
		delta:         delta,
		zones:         make([]zoneState, cfg.Zones),
		flushChapters: make([]uint64, der.listCount),
		nonce:         nonce,
		overflowLimit: ratelimit.New(3, 1000),
		flushLimit:    ratelimit.New(3, 1000),
		recordPool:    pool,
	}
	return idx, nil
}

// ListCount reports L, the derived number of delta lists.
func (idx *Index) ListCount() uint32 { return idx.der.listCount }

// ZoneCount reports the configured number of zones.
func (idx *Index) ZoneCount() uint32 { return idx.cfg.Zones }

// ZoneOf returns the zone a fingerprint's delta list belongs to.
func (idx *Index) ZoneOf(fp fingerprint.Fingerprint) uint32 {
	return idx.partition.ZoneOfFingerprint(idx.codec, fp)
}

// IsSample always reports false: V5 has no sparse sub-index.
func (idx *Index) IsSample(fingerprint.Fingerprint) bool { return false }

// ZoneRange returns zone z's current [virtual_low, virtual_high].
func (idx *Index) ZoneRange(z uint32) (low, high uint64) {
	return idx.zones[z].virtualLow, idx.zones[z].virtualHigh
}

// EarlyFlushCount returns zone z's cumulative early-flush counter.
func (idx *Index) EarlyFlushCount(z uint32) uint64 { return idx.zones[z].earlyFlushCount }

func (idx *Index) takeRecord() *Record {
	if v, ok := idx.recordPool.Get(); ok {
		return v.(*Record)
	}
	return &Record{}
}

func (idx *Index) releaseRecord(r *Record) {
	*r = Record{}
	idx.recordPool.Put(r)
}

// flushList ages out entries in listNum whose virtual chapter has fallen
// below the owning zone's virtual_low, advancing flush_chapters[listNum].
func (idx *Index) flushList(z uint32, list uint32) {
	low := idx.zones[z].virtualLow
	high := idx.zones[z].virtualHigh
	priorWatermark := idx.flushChapters[list]
	if priorWatermark >= low {
		return
	}
	if idx.flushLimit.Allow() {
		log.Debug.Printf("denseindex: flushing list %d below virtual chapter %d", list, low)
	}
	keep := func(ic uint32) bool {
		v, ok := idx.window.ToVirtualChapter(priorWatermark, high, ic)
		if !ok {
			return false
		}
		return v >= low
	}
	minKept, any := idx.delta.FilterList(list, keep)
	if !any {
		idx.flushChapters[list] = low
		return
	}
	v, ok := idx.window.ToVirtualChapter(priorWatermark, high, minKept)
	if !ok || v < low {
		v = low
	}
	if v > high {
		v = high
	}
	idx.flushChapters[list] = v
}

// sweepZone applies flushList to every list zone z owns, used after
// set_zone_open_chapter adjusts the zone's window so budget accounting
// sees an up-to-date bits_used.
func (idx *Index) sweepZone(z uint32) {
	first := idx.partition.FirstListInZone(z)
	count := idx.partition.ListCountInZone(z)
	for l := first; l < first+count; l++ {
		idx.flushList(z, l)
	}
}

// GetRecord locates fp's entry (or insertion point) within its delta list,
// first lazily flushing stale entries from that list.
func (idx *Index) GetRecord(fp fingerprint.Fingerprint) (*Record, error) {
	list := idx.codec.List(fp)
	z := idx.partition.ZoneOfList(list)
	idx.flushList(z, list)

	address := idx.codec.Address(fp)
	cur, found, ic, collision, err := idx.delta.GetEntry(list, address, fp)
	if err != nil {
		return nil, errors.Wrap(err, "denseindex: get_record")
	}

	rec := idx.takeRecord()
	rec.magic = magicLocated
	rec.isFound = found
	rec.isCollision = collision
	rec.list = list
	rec.zoneNum = z
	rec.address = address
	rec.fp = fp
	rec.cursor = cur

	if found {
		low := idx.zones[z].virtualLow
		high := idx.zones[z].virtualHigh
		v, ok := idx.window.ToVirtualChapter(low, high, ic)
		if !ok {
			// Stale entry the lazy flush hasn't caught up with yet;
			// report as not found rather than an out-of-range chapter.
			rec.isFound = false
		} else {
			rec.virtualChapter = v
		}
	}
	return rec, nil
}

// PutRecord inserts rec (which must come from a GetRecord call that found
// nothing) with virtualChapter.
func (idx *Index) PutRecord(rec *Record, virtualChapter uint64) error {
	if rec.magic != magicLocated {
		return errors.Wrapf(vierr.ErrBadState, "denseindex: put_record on record with invalid magic %d", rec.magic)
	}
	z := rec.zoneNum
	low, high := idx.zones[z].virtualLow, idx.zones[z].virtualHigh
	if virtualChapter < low || virtualChapter > high {
		return errors.Wrapf(vierr.ErrInvalidArgument, "virtual chapter %d outside zone range [%d,%d]", virtualChapter, low, high)
	}
	ic := idx.window.ToIndexChapter(virtualChapter)
	if err := idx.delta.Put(rec.cursor, ic, rec.fp); err != nil {
		return errors.Wrap(err, "denseindex: put_record")
	}
	rec.virtualChapter = virtualChapter
	rec.magic = magicInvalid

	if idx.der.maxZoneBits > 0 && idx.delta.BitsUsedInZone(z) > idx.der.maxZoneBits {
		// The bit budget is exceeded by this insert; drop it back out
		// rather than leave the zone over budget until the next
		// set_zone_open_chapter early-flush pass.
		if cur2, found2, _, _, err2 := idx.delta.GetEntry(rec.list, rec.address, rec.fp); err2 == nil && found2 {
			_ = idx.delta.Remove(cur2)
		}
		if idx.overflowLimit.Allow() {
			log.Printf("denseindex: zone %d over budget, dropping insert", z)
		}
		return vierr.ErrOverflow
	}
	return nil
}

// SetRecordChapter rewrites the chapter of an already-located, found
// record.
func (idx *Index) SetRecordChapter(rec *Record, virtualChapter uint64) error {
	if rec.magic != magicLocated || !rec.isFound {
		return errors.Wrapf(vierr.ErrBadState, "denseindex: set_record_chapter on record with invalid state (magic=%d found=%v)", rec.magic, rec.isFound)
	}
	z := rec.zoneNum
	low, high := idx.zones[z].virtualLow, idx.zones[z].virtualHigh
	if virtualChapter < low || virtualChapter > high {
		return errors.Wrapf(vierr.ErrInvalidArgument, "virtual chapter %d outside zone range [%d,%d]", virtualChapter, low, high)
	}
	ic := idx.window.ToIndexChapter(virtualChapter)
	if err := idx.delta.SetValue(rec.cursor, ic); err != nil {
		return errors.Wrap(err, "denseindex: set_record_chapter")
	}
	rec.virtualChapter = virtualChapter
	return nil
}

// RemoveRecord deletes the located entry, invalidating rec's magic.
func (idx *Index) RemoveRecord(rec *Record) error {
	if rec.magic != magicLocated || !rec.isFound {
		return errors.Wrapf(vierr.ErrBadState, "denseindex: remove_record on record with invalid state (magic=%d found=%v)", rec.magic, rec.isFound)
	}
	if err := idx.delta.Remove(rec.cursor); err != nil {
		return errors.Wrap(err, "denseindex: remove_record")
	}
	rec.magic = magicInvalid
	return nil
}

// ReleaseRecord returns rec to the free-list once the caller is done with
// it (after a terminal put_record/set_record_chapter/remove_record, or
// after inspecting a not-found get_record result). Calling any other
// method on rec afterward is undefined.
func (idx *Index) ReleaseRecord(rec *Record) { idx.releaseRecord(rec) }

// SetZoneOpenChapter implements spec.md §4.2's five-case window update for
// a single zone, followed by the early-flush budget check.
func (idx *Index) SetZoneOpenChapter(z uint32, v uint64) error {
	zs := &idx.zones[z]
	low, high := zs.virtualLow, zs.virtualHigh

	switch {
	case v <= low:
		// Case 1: reopening at or before the current low wipes the zone.
		idx.delta.EmptyZone(z)
		first := idx.partition.FirstListInZone(z)
		count := idx.partition.ListCountInZone(z)
		for l := first; l < first+count; l++ {
			idx.flushChapters[l] = v
		}
		zs.virtualLow, zs.virtualHigh = v, v

	case v <= high:
		// Case 2: backward move within the current window. Entries
		// newer than v are now invalid; discard them directly (the
		// lazy low-forward flush would never reach them, since low is
		// unchanged).
		zs.virtualHigh = v
		first := idx.partition.FirstListInZone(z)
		count := idx.partition.ListCountInZone(z)
		for l := first; l < first+count; l++ {
			priorWatermark := idx.flushChapters[l]
			keep := func(ic uint32) bool {
				vv, ok := idx.window.ToVirtualChapter(priorWatermark, high, ic)
				if !ok {
					return false
				}
				return vv <= v
			}
			idx.delta.FilterList(l, keep)
		}

	default:
		newLow := idx.window.NewLow(v)
		switch {
		case newLow <= low:
			// Case 3: forward move that keeps every old chapter.
			zs.virtualHigh = v
		case newLow <= high:
			// Case 4: forward move dropping the oldest chapters.
			zs.virtualLow, zs.virtualHigh = newLow, v
		default:
			// Case 5: a jump so large the old and new windows don't
			// overlap at all.
			zs.virtualLow, zs.virtualHigh = v, v
		}
		idx.sweepZone(z)
	}

	return idx.enforceZoneBudget(z)
}

// enforceZoneBudget implements the early-flush step that follows every
// set_zone_open_chapter case: if the zone is over its bit budget, advance
// virtual_low by 1 + excess/bitsPerChapter chapters (clamped to
// virtual_high), counting the advance into early_flush_count. The budget is
// not re-checked after that one advance.
func (idx *Index) enforceZoneBudget(z uint32) error {
	if idx.der.maxZoneBits == 0 {
		return nil
	}
	used := idx.delta.BitsUsedInZone(z)
	if used <= idx.der.maxZoneBits {
		return nil
	}
	perChapter := idx.der.bitsPerChapter
	if perChapter == 0 {
		perChapter = 1
	}
	expire := 1 + (used-idx.der.maxZoneBits)/perChapter

	zs := &idx.zones[z]
	newLow := zs.virtualLow + expire
	if newLow > zs.virtualHigh {
		newLow = zs.virtualHigh
	}
	actual := newLow - zs.virtualLow
	zs.virtualLow = newLow
	zs.earlyFlushCount += actual

	idx.sweepZone(z)
	if idx.overflowLimit.Allow() {
		log.Printf("denseindex: zone %d early-flushed %d chapters (used_bits=%d max=%d)", z, actual, used, idx.der.maxZoneBits)
	}
	return nil
}

// SetOpenChapter applies SetZoneOpenChapter(z, v) to every zone.
func (idx *Index) SetOpenChapter(v uint64) error {
	for z := uint32(0); z < idx.cfg.Zones; z++ {
		if err := idx.SetZoneOpenChapter(z, v); err != nil {
			return err
		}
	}
	return nil
}

// LookupSampled performs a read-only search: it never flushes and never
// mutates.
func (idx *Index) LookupSampled(fp fingerprint.Fingerprint) (uint64, bool) {
	list := idx.codec.List(fp)
	z := idx.partition.ZoneOfList(list)
	address := idx.codec.Address(fp)

	_, found, ic, _, err := idx.delta.GetEntry(list, address, fp)
	if err != nil || !found {
		return 0, false
	}
	low, high := idx.zones[z].virtualLow, idx.zones[z].virtualHigh
	v, ok := idx.window.ToVirtualChapter(low, high, ic)
	if !ok {
		return 0, false
	}
	return v, true
}

// Stats reports the delta index's aggregate record/collision counts.
func (idx *Index) Stats() deltaindex.Stats { return idx.delta.Stats() }

// saveHeaderSize is the fixed vi005 header length: 8-byte magic + 3 u64s +
// 2 u32s + 1 tag byte.
const saveHeaderSize = 8 + 8*3 + 4*2 + 1

// EstimateSaveBytes returns an upper-bound byte estimate for Save(z, ...),
// used by the façade's compute_save_blocks.
func (idx *Index) EstimateSaveBytes(z uint32) uint64 {
	count := uint64(idx.partition.ListCountInZone(z))
	watermarks := count * 8
	payload := (idx.delta.BitsUsedInZone(z) + 7) / 8
	// BitsUsedInZone counts each collision flag as one bit, but Save writes
	// it as a whole byte: add one byte per entry. Stats counts the entries of
	// every zone, which bounds zone z's own count.
	entries := idx.delta.Stats().RecordCount
	const perListOverhead = 4 // u32 entry count per list
	// +8: the u32 list count and the u32 guard marker.
	return saveHeaderSize + watermarks + payload + entries + perListOverhead*count + 8
}

// Save writes zone z's vi005 stream: header, flush watermarks, then the
// delta-index payload.
func (idx *Index) Save(z uint32, w *iostream.Writer) error {
	zs := idx.zones[z]
	first := idx.partition.FirstListInZone(z)
	count := idx.partition.ListCountInZone(z)

	if err := w.WriteString(vi005Magic); err != nil {
		return err
	}
	if err := w.WriteUint64(idx.nonce); err != nil {
		return err
	}
	if err := w.WriteUint64(zs.virtualLow); err != nil {
		return err
	}
	if err := w.WriteUint64(zs.virtualHigh); err != nil {
		return err
	}
	if err := w.WriteUint32(first); err != nil {
		return err
	}
	if err := w.WriteUint32(count); err != nil {
		return err
	}
	tag := zoneTag(idx.nonce, first, count)
	idx.delta.SetTag(tag)
	if err := w.WriteByte(tag); err != nil {
		return err
	}
	for l := first; l < first+count; l++ {
		if err := w.WriteUint64(idx.flushChapters[l]); err != nil {
			return err
		}
	}
	if err := idx.delta.StartSave(z, w); err != nil {
		return errors.Wrap(err, "denseindex: saving delta payload")
	}
	if err := idx.delta.FinishSave(z, w); err != nil {
		return errors.Wrap(err, "denseindex: saving guard marker")
	}
	return w.Flush()
}

type zoneHeader struct {
	virtualLow  uint64
	virtualHigh uint64
	firstList   uint32
	watermarks  []uint64
}

// Restore reconstructs the index from one vi005 stream per zone, in zone
// order. On any mismatch it returns ErrCorruptData and leaves the index
// empty.
func (idx *Index) Restore(readers []*iostream.Reader) error {
	if len(readers) != len(idx.zones) {
		idx.delta.AbortRestore()
		return errors.Wrapf(vierr.ErrCorruptData, "expected %d zone streams, got %d", len(idx.zones), len(readers))
	}

	headers := make([]zoneHeader, len(readers))
	var nonce uint64
	var refHigh uint64
	for z, r := range readers {
		magic, err := r.ReadString(8)
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading vi005 magic")
		}
		if magic != vi005Magic {
			idx.delta.AbortRestore()
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: bad vi005 magic %q", z, magic)
		}
		n, err := r.ReadUint64()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading nonce")
		}
		if z == 0 {
			nonce = n
		} else if n != nonce {
			idx.delta.AbortRestore()
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: nonce %d disagrees with %d", z, n, nonce)
		}
		vlow, err := r.ReadUint64()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading virtual_low")
		}
		vhigh, err := r.ReadUint64()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading virtual_high")
		}
		if z == 0 {
			refHigh = vhigh
		} else if vhigh != refHigh {
			idx.delta.AbortRestore()
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: virtual_high %d disagrees with %d", z, vhigh, refHigh)
		}
		firstList, err := r.ReadUint32()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading first_list")
		}
		numLists, err := r.ReadUint32()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading num_lists")
		}
		if firstList != idx.partition.FirstListInZone(uint32(z)) || numLists != idx.partition.ListCountInZone(uint32(z)) {
			idx.delta.AbortRestore()
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: list range (%d,%d) disagrees with configuration", z, firstList, numLists)
		}
		tag, err := r.ReadByte()
		if err != nil {
			idx.delta.AbortRestore()
			return errors.Wrap(err, "denseindex: reading zone tag")
		}
		if want := zoneTag(nonce, firstList, numLists); tag != want {
			log.Printf("denseindex: zone %d: tag %#x disagrees with expected %#x (stream may have been reordered)", z, tag, want)
		}
		idx.delta.SetTag(tag)
		watermarks := make([]uint64, numLists)
		for i := range watermarks {
			wm, err := r.ReadUint64()
			if err != nil {
				idx.delta.AbortRestore()
				return errors.Wrap(err, "denseindex: reading flush watermark")
			}
			watermarks[i] = wm
		}
		headers[z] = zoneHeader{virtualLow: vlow, virtualHigh: vhigh, firstList: firstList, watermarks: watermarks}
	}

	if err := idx.delta.StartRestore(readers); err != nil {
		idx.delta.AbortRestore()
		return errors.Wrap(err, "denseindex: restoring delta payload")
	}
	if err := idx.delta.CheckGuardLists(readers); err != nil {
		idx.delta.AbortRestore()
		return errors.Wrap(err, "denseindex: checking guard markers")
	}
	if err := idx.delta.FinishRestore(readers); err != nil {
		idx.delta.AbortRestore()
		return err
	}

	idx.nonce = nonce
	// spec.md §4.2 says the restored v_low is "the max observed" across
	// streams, i.e. one index-wide value. We deliberately keep each zone's
	// own stream-reported virtualLow instead: ZoneState is defined per zone
	// (spec.md §3), and collapsing to a single max would shift a zone whose
	// true low trails the others, breaking the save/restore round trip for
	// that zone. See SPEC_FULL.md's DenseIndex restore-deviation note.
	for z := range idx.zones {
		idx.zones[z].virtualLow = headers[z].virtualLow
		idx.zones[z].virtualHigh = headers[z].virtualHigh
		for i, wm := range headers[z].watermarks {
			idx.flushChapters[headers[z].firstList+uint32(i)] = wm
		}
	}
	return nil
}
