// Package deltaindex implements the bit-packed, zone-sharded list-of-deltas
// store that spec.md §6.1 treats as an opaque external dependency of the
// volume index. Nothing else in the retrieved pack ships this primitive, so
// it is built here, grounded on fusion/kmer_index.go's sharded open-
// addressing table (for the zone/list partitioning idea) and
// encoding/pam/fieldio's varint byte-buffer codec (for the on-wire entry
// encoding): each delta list is a sorted slice of entries, delta-varint
// encoded against the previous address when serialized.
package deltaindex

import (
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/internal/arena"
	"github.com/hashvault/volumeindex/iostream"
)

// Sentinel errors, matching spec.md §7's error taxonomy.
var (
	ErrInvalidArgument = errors.New("deltaindex: invalid argument")
	ErrBadState        = errors.New("deltaindex: bad state")
	ErrCorruptData     = errors.New("deltaindex: corrupt data")
	ErrOverflow        = errors.New("deltaindex: zone bit budget exhausted")
)

// guardMagic terminates every per-zone save stream, the "guard delta list"
// marker spec.md §4.2 calls out.
const guardMagic = uint32(0x6775_6172) // "guar"

// entry is one record stored at a given address within a delta list. Every
// entry carries its own disambiguator (full fingerprint or digest) from the
// moment it is inserted, not just once a second entry collides onto the
// same address: GetEntry must be able to tell "this address already holds
// a different fingerprint" apart from "this address holds mine" even when
// there has only ever been one entry there. collision records whether more
// than one entry currently shares this address (used for stats and
// GetCollisionName gating), not whether a disambiguator is present.
type entry struct {
	address   uint32
	chapter   uint32
	collision bool
	full      fingerprint.Fingerprint // valid iff storeFull
	digest    uint64                  // valid iff !storeFull
}

// encodedBits estimates the bit cost of storing e: the full address as a
// uvarint (never shorter than the address delta StartSave writes), the
// chapter as a uvarint, one collision bit, and the
// disambiguator every entry carries (full fingerprint or 64-bit digest).
func (e entry) encodedBits(storeFull bool) uint64 {
	byteLen := uvarintLen(uint64(e.address)) + uvarintLen(uint64(e.chapter))
	bitLen := uint64(byteLen)*8 + 1 // +1 for the collision bit
	if storeFull {
		bitLen += fingerprint.Size * 8
	} else {
		bitLen += 64
	}
	return bitLen
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ZoneSpec describes the contiguous range of delta lists a zone owns.
type ZoneSpec struct {
	FirstList uint32
	NumLists  uint32
}

// Config parameterizes an Index.
type Config struct {
	ListCount uint32
	Zones     []ZoneSpec
	// MaxZoneBits caps the encoded size of a single zone's entries; zero
	// means unlimited. Enforcement is the caller's (denseindex's)
	// responsibility via BitsUsedInZone; Put itself never refuses an
	// insert on budget grounds; see denseindex.PutRecord's OVERFLOW path.
	MaxZoneBits uint64
	// StoreFullFingerprint selects whether every entry carries the
	// full 128-bit fingerprint (UDS's default) or a 64-bit FarmHash
	// digest (see fingerprint.Digest64), trading disambiguation
	// precision for half the bits.
	StoreFullFingerprint bool
}

type list struct {
	entries []entry
}

type zoneData struct {
	lists []list
}

// Index is the zone-sharded associative store of (list, address) ->
// (chapter, optional-full-fingerprint).
type Index struct {
	cfg        Config
	zones      []zoneData
	listToZone []uint32
	tag        byte
}

// Stats summarizes the contents of an Index.
type Stats struct {
	RecordCount    uint64
	CollisionCount uint64
}

// Cursor is a handle returned by GetEntry/StartSearch that locates a
// position within one delta list. Like the record it backs, a Cursor's
// validity ends the moment the list it points into is mutated by any
// operation other than the one the cursor was handed to.
type Cursor struct {
	zone      uint32
	list      uint32
	address   uint32
	idx       int // position of the matching entry, or -1 if not found
	insertAt  int // insertion point when idx == -1
	validated bool
}

// Initialize builds an empty Index from cfg.
func Initialize(cfg Config) (*Index, error) {
	if cfg.ListCount == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "list count must be positive")
	}
	if len(cfg.Zones) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "at least one zone is required")
	}
	listToZone := make([]uint32, cfg.ListCount)
	zones := make([]zoneData, len(cfg.Zones))
	for z, spec := range cfg.Zones {
		zones[z].lists = make([]list, spec.NumLists)
		for l := spec.FirstList; l < spec.FirstList+spec.NumLists; l++ {
			if l >= cfg.ListCount {
				return nil, errors.Wrapf(ErrInvalidArgument, "zone %d list %d exceeds list count %d", z, l, cfg.ListCount)
			}
			listToZone[l] = uint32(z)
		}
	}
	return &Index{cfg: cfg, zones: zones, listToZone: listToZone}, nil
}

// Uninitialize releases the backing storage. The Index must not be used
// afterwards.
func (idx *Index) Uninitialize() {
	idx.zones = nil
	idx.listToZone = nil
}

// EmptyAll discards every entry in every zone.
func (idx *Index) EmptyAll() {
	for z := range idx.zones {
		idx.EmptyZone(uint32(z))
	}
}

// EmptyZone discards every entry owned by zone z.
func (idx *Index) EmptyZone(z uint32) {
	zd := &idx.zones[z]
	for i := range zd.lists {
		zd.lists[i].entries = nil
	}
}

// ZoneNumberOf returns the zone that owns the given delta list.
func (idx *Index) ZoneNumberOf(listNum uint32) uint32 { return idx.listToZone[listNum] }

// FirstListInZone returns the lowest list number owned by zone z.
func (idx *Index) FirstListInZone(z uint32) uint32 { return idx.cfg.Zones[z].FirstList }

// ListCountInZone returns the number of lists owned by zone z.
func (idx *Index) ListCountInZone(z uint32) uint32 { return idx.cfg.Zones[z].NumLists }

// SetTag stores a single byte in the index header, emitted on save and
// checked (informationally; a mismatch is not itself fatal) on restore.
// The volume index uses this to carry a seahash-derived checksum of the
// nonce and the zone's list range, which its restore recomputes and compares.
func (idx *Index) SetTag(tag byte) { idx.tag = tag }

// Tag returns the byte last set by SetTag.
func (idx *Index) Tag() byte { return idx.tag }

func (idx *Index) localList(listNum uint32) (z uint32, li uint32) {
	z = idx.listToZone[listNum]
	return z, listNum - idx.cfg.Zones[z].FirstList
}

// matches reports whether e was inserted for fp, by comparing e's stored
// disambiguator. Every entry carries one regardless of its collision bit,
// so this discriminates distinct fingerprints sharing an address even when
// neither has ever been flagged a collision yet.
func (idx *Index) matches(e entry, fp fingerprint.Fingerprint) bool {
	if idx.cfg.StoreFullFingerprint {
		return e.full == fp
	}
	return e.digest == fingerprint.Digest64(fp)
}

// GetEntry locates the entry for (listNum, address), disambiguated by fp
// when more than one entry shares that address. It returns a Cursor usable
// by Put/Remove/SetValue, whether an exact match was found, the chapter
// stored there, and whether the address already is (or, once fp is
// inserted, would become) a collision.
func (idx *Index) GetEntry(listNum uint32, address uint32, fp fingerprint.Fingerprint) (cur Cursor, found bool, chapterOut uint32, collision bool, err error) {
	if listNum >= idx.cfg.ListCount {
		return Cursor{}, false, 0, false, errors.Wrap(ErrInvalidArgument, "list number out of range")
	}
	z, li := idx.localList(listNum)
	entries := idx.zones[z].lists[li].entries
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].address >= address })
	hi := lo
	for hi < len(entries) && entries[hi].address == address {
		hi++
	}
	cur = Cursor{zone: z, list: listNum, address: address, idx: -1, insertAt: hi, validated: true}
	for i := lo; i < hi; i++ {
		if idx.matches(entries[i], fp) {
			cur.idx = i
			return cur, true, entries[i].chapter, entries[i].collision, nil
		}
	}
	return cur, false, 0, hi > lo, nil
}

// StartSearch positions a cursor at the lowest-addressed entry of listNum
// with address >= key. Use Next to walk the matching chain and GetValue to
// read each position's chapter.
func (idx *Index) StartSearch(listNum uint32, key uint32) (Cursor, error) {
	if listNum >= idx.cfg.ListCount {
		return Cursor{}, errors.Wrap(ErrInvalidArgument, "list number out of range")
	}
	z, li := idx.localList(listNum)
	entries := idx.zones[z].lists[li].entries
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].address >= key })
	idxPos := -1
	if lo < len(entries) && entries[lo].address == key {
		idxPos = lo
	}
	return Cursor{zone: z, list: listNum, address: key, idx: idxPos, insertAt: lo, validated: true}, nil
}

// Next advances cur to the following entry in the same collision chain
// (same address). It returns false once the chain is exhausted.
func (idx *Index) Next(cur *Cursor) bool {
	if cur.idx < 0 {
		return false
	}
	entries := idx.zones[cur.zone].lists[cur.list-idx.cfg.Zones[cur.zone].FirstList].entries
	next := cur.idx + 1
	if next >= len(entries) || entries[next].address != cur.address {
		return false
	}
	cur.idx = next
	return true
}

// GetValue returns the chapter stored at cur.
func (idx *Index) GetValue(cur Cursor) (uint32, error) {
	if cur.idx < 0 {
		return 0, errors.Wrap(ErrBadState, "cursor does not reference a located entry")
	}
	return idx.entryAt(cur).chapter, nil
}

// GetCollisionName copies the disambiguating full fingerprint located by
// cur into *buf. It is an error to call this on an entry whose collision
// bit is clear, and on any entry when StoreFullFingerprint is false (only a
// digest was kept).
func (idx *Index) GetCollisionName(cur Cursor, buf *fingerprint.Fingerprint) error {
	if cur.idx < 0 {
		return errors.Wrap(ErrBadState, "cursor does not reference a located entry")
	}
	e := idx.entryAt(cur)
	if !e.collision || !idx.cfg.StoreFullFingerprint {
		return errors.Wrap(ErrBadState, "entry has no stored full fingerprint")
	}
	*buf = e.full
	return nil
}

// RememberOffset is a documented no-op: GetEntry/StartSearch already
// capture the insertion offset eagerly, unlike UDS's incremental list scan
// which needs an explicit call mid-iteration to pin it down. Kept so the
// full op set spec.md §6.1 enumerates has a named counterpart.
func (idx *Index) RememberOffset(cur Cursor) {}

func (idx *Index) entryAt(cur Cursor) entry {
	li := cur.list - idx.cfg.Zones[cur.zone].FirstList
	return idx.zones[cur.zone].lists[li].entries[cur.idx]
}

// Put inserts a new entry at cur (which must come from a GetEntry/StartSearch
// call that did not find an existing match) with the given chapter. Every
// entry stores its own disambiguator (full fingerprint or digest,
// per StoreFullFingerprint) from the moment it is inserted, whether or not
// it shares its address with another entry. If fp collides with
// address-mates already present, every entry at that address (the new one
// and the pre-existing ones, which already carry their own disambiguators
// from their own insert) has its collision bit set.
func (idx *Index) Put(cur Cursor, chapterValue uint32, fp fingerprint.Fingerprint) error {
	if cur.idx >= 0 {
		return errors.Wrap(ErrBadState, "put called on a cursor that already located an entry")
	}
	li := cur.list - idx.cfg.Zones[cur.zone].FirstList
	l := &idx.zones[cur.zone].lists[li]

	becomesCollision := cur.insertAt > 0 && l.entries[cur.insertAt-1].address == cur.address
	if !becomesCollision && cur.insertAt < len(l.entries) && l.entries[cur.insertAt].address == cur.address {
		becomesCollision = true
	}

	e := entry{address: cur.address, chapter: chapterValue, collision: becomesCollision}
	if idx.cfg.StoreFullFingerprint {
		e.full = fp
	} else {
		e.digest = fingerprint.Digest64(fp)
	}

	l.entries = append(l.entries, entry{})
	copy(l.entries[cur.insertAt+1:], l.entries[cur.insertAt:])
	l.entries[cur.insertAt] = e

	if becomesCollision {
		idx.markAddressCollision(l, cur.address)
	}
	return nil
}

// markAddressCollision sets the collision bit on every entry sharing addr.
// Each of those entries already carries its own disambiguator from its own
// insert, so no backfill is needed here.
func (idx *Index) markAddressCollision(l *list, addr uint32) {
	lo := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].address >= addr })
	hi := lo
	for hi < len(l.entries) && l.entries[hi].address == addr {
		l.entries[hi].collision = true
		hi++
	}
}

// SetValue overwrites the chapter stored at cur.
func (idx *Index) SetValue(cur Cursor, chapterValue uint32) error {
	if cur.idx < 0 {
		return errors.Wrap(ErrBadState, "cursor does not reference a located entry")
	}
	li := cur.list - idx.cfg.Zones[cur.zone].FirstList
	idx.zones[cur.zone].lists[li].entries[cur.idx].chapter = chapterValue
	return nil
}

// Remove deletes the entry located by cur.
func (idx *Index) Remove(cur Cursor) error {
	if cur.idx < 0 {
		return errors.Wrap(ErrBadState, "cursor does not reference a located entry")
	}
	li := cur.list - idx.cfg.Zones[cur.zone].FirstList
	l := &idx.zones[cur.zone].lists[li]
	l.entries = append(l.entries[:cur.idx], l.entries[cur.idx+1:]...)
	return nil
}

// FilterList drops every entry in listNum for which keep(chapter) is false,
// then renormalizes the collision bit of whatever remains at each address:
// an address left with a single survivor is no longer a collision. It
// returns the lowest chapter value among
// surviving entries and whether any survived, which the caller (denseindex's
// lazy per-list flush) uses to advance its flush watermark.
func (idx *Index) FilterList(listNum uint32, keep func(chapterValue uint32) bool) (minChapter uint32, anyKept bool) {
	z, li := idx.localList(listNum)
	l := &idx.zones[z].lists[li]
	out := l.entries[:0]
	for _, e := range l.entries {
		if !keep(e.chapter) {
			continue
		}
		if !anyKept || e.chapter < minChapter {
			minChapter = e.chapter
		}
		anyKept = true
		out = append(out, e)
	}
	l.entries = out
	renormalizeCollisions(l.entries)
	return minChapter, anyKept
}

// renormalizeCollisions recomputes the collision bit for every address run
// in entries, which must be sorted by address (FilterList preserves the
// existing order, which was already address-sorted). Every entry already
// carries its own disambiguator from insert time, so a run shrinking back
// to a single survivor needs no disambiguator backfill or clearing.
func renormalizeCollisions(entries []entry) {
	i := 0
	for i < len(entries) {
		j := i + 1
		for j < len(entries) && entries[j].address == entries[i].address {
			j++
		}
		collision := j-i > 1
		for k := i; k < j; k++ {
			entries[k].collision = collision
		}
		i = j
	}
}

// BitsUsedInZone returns the total encoded size, in bits, of every entry
// currently stored in zone z.
func (idx *Index) BitsUsedInZone(z uint32) uint64 {
	var total uint64
	for _, l := range idx.zones[z].lists {
		for _, e := range l.entries {
			total += e.encodedBits(idx.cfg.StoreFullFingerprint)
		}
	}
	return total
}

// BitsAllocated returns the configured per-zone bit budget times the
// number of zones, or zero if no budget was configured.
func (idx *Index) BitsAllocated() uint64 {
	return idx.cfg.MaxZoneBits * uint64(len(idx.zones))
}

// Stats summarizes the whole index.
func (idx *Index) Stats() Stats {
	var s Stats
	for z := range idx.zones {
		for _, l := range idx.zones[z].lists {
			for _, e := range l.entries {
				s.RecordCount++
				if e.collision {
					s.CollisionCount++
				}
			}
		}
	}
	return s
}

// ComputeSize estimates bits_per_chapter: the expected encoded size of one
// chapter's worth of entries across all delta lists, given the expected
// number of records per chapter and the mean address delta between
// consecutive entries. This grounds spec.md §4.2's
// "compute_delta_index_size(R, M, log2(C'))". storeFull must match the
// Config.StoreFullFingerprint the resulting budget is sized for: every
// entry always carries a disambiguator (full fingerprint or digest), so
// the estimate has to include it unconditionally, not just for entries
// that happen to collide.
func ComputeSize(recordsPerChapter uint64, meanDelta uint64, chapterBits uint, storeFull bool) uint64 {
	addressDeltaBits := uint64(bits.Len64(meanDelta)) + 2
	perRecordBits := addressDeltaBits + uint64(chapterBits) + 1
	if storeFull {
		perRecordBits += fingerprint.Size * 8
	} else {
		perRecordBits += 64
	}
	return recordsPerChapter * perRecordBits
}

// StartSave begins writing zone z's entries to w: every list, in order,
// each entry's address delta-varint-encoded against the previous address
// in that list.
func (idx *Index) StartSave(z uint32, w *iostream.Writer) error {
	zd := &idx.zones[z]
	if err := w.WriteUint32(uint32(len(zd.lists))); err != nil {
		return err
	}
	for _, l := range zd.lists {
		if err := w.WriteUint32(uint32(len(l.entries))); err != nil {
			return err
		}
		var prevAddr uint32
		for _, e := range l.entries {
			if err := w.WriteUvarint(uint64(e.address) - uint64(prevAddr)); err != nil {
				return err
			}
			prevAddr = e.address
			if err := w.WriteUvarint(uint64(e.chapter)); err != nil {
				return err
			}
			if err := w.WriteByte(boolByte(e.collision)); err != nil {
				return err
			}
			if idx.cfg.StoreFullFingerprint {
				if err := w.Write(e.full[:]); err != nil {
					return err
				}
			} else if err := w.WriteUint64(e.digest); err != nil {
				return err
			}
		}
	}
	return nil
}

// FinishSave writes the trailing guard marker for zone z.
func (idx *Index) FinishSave(z uint32, w *iostream.Writer) error {
	return w.WriteUint32(guardMagic)
}

// StartRestore reconstructs zone data for every zone from readers (one per
// zone, in zone order), replacing whatever was there before.
func (idx *Index) StartRestore(readers []*iostream.Reader) error {
	if len(readers) != len(idx.zones) {
		return errors.Wrapf(ErrCorruptData, "expected %d zone readers, got %d", len(idx.zones), len(readers))
	}
	for z, r := range readers {
		if err := idx.restoreZone(uint32(z), r); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) restoreZone(z uint32, r *iostream.Reader) error {
	zd := &idx.zones[z]
	numLists, err := r.ReadUint32()
	if err != nil {
		return errors.Wrap(err, "deltaindex: reading list count")
	}
	if int(numLists) != len(zd.lists) {
		return errors.Wrapf(ErrCorruptData, "zone %d: expected %d lists, got %d", z, len(zd.lists), numLists)
	}
	for li := range zd.lists {
		n, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "deltaindex: reading entry count")
		}
		entries := arena.NewSlice[entry](int(n))
		var addr uint32
		for i := range entries {
			delta, err := r.ReadUvarint()
			if err != nil {
				return errors.Wrap(err, "deltaindex: reading address delta")
			}
			addr += uint32(delta)
			chapterVal, err := r.ReadUvarint()
			if err != nil {
				return errors.Wrap(err, "deltaindex: reading chapter")
			}
			collisionByte, err := r.ReadByte()
			if err != nil {
				return errors.Wrap(err, "deltaindex: reading collision flag")
			}
			e := entry{address: addr, chapter: uint32(chapterVal), collision: collisionByte != 0}
			if idx.cfg.StoreFullFingerprint {
				if err := r.ReadExact(e.full[:]); err != nil {
					return errors.Wrap(err, "deltaindex: reading full fingerprint")
				}
			} else {
				d, err := r.ReadUint64()
				if err != nil {
					return errors.Wrap(err, "deltaindex: reading digest")
				}
				e.digest = d
			}
			entries[i] = e
		}
		zd.lists[li].entries = entries
	}
	return nil
}

// CheckGuardLists verifies that the next four bytes readable from each
// reader are the trailing guard marker, without otherwise disturbing
// reader state beyond consuming exactly those bytes.
func (idx *Index) CheckGuardLists(readers []*iostream.Reader) error {
	for z, r := range readers {
		magic, err := r.ReadUint32()
		if err != nil {
			return errors.Wrapf(err, "deltaindex: reading guard marker for zone %d", z)
		}
		if magic != guardMagic {
			return errors.Wrapf(ErrCorruptData, "zone %d: bad guard marker", z)
		}
	}
	return nil
}

// FinishRestore is a formality once CheckGuardLists has passed; restore is
// otherwise complete after StartRestore returns.
func (idx *Index) FinishRestore(readers []*iostream.Reader) error {
	return nil
}

// AbortRestore discards any partially-restored state, leaving every zone
// empty.
func (idx *Index) AbortRestore() {
	idx.EmptyAll()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
