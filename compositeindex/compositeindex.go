// Package compositeindex implements the V6 composite volume index: two
// DenseIndex instances, one over sampled ("hook") fingerprints and one over
// the rest, with a sharded per-zone mutex guarding the hook side. Grounded
// on encoding/bamprovider/concurrentmap.go's sharded-mutex idiom, adapted
// from a fixed 1024-shard hash map to one mutex per configured zone (the
// natural shard count here, since hook operations are already partitioned
// by zone_of).
package compositeindex

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hashvault/volumeindex/deltaindex"
	"github.com/hashvault/volumeindex/denseindex"
	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/internal/vierr"
	"github.com/hashvault/volumeindex/iostream"
)

const vi006Magic = "MI6-0001"

// Config splits the composite's total records/chapter budget between the
// sampled (hook) and non-sampled (non-hook) sub-indexes.
type Config struct {
	RecordsPerChapter    uint64
	ChaptersPerVolume    uint64
	MeanDelta            uint64
	Zones                uint32
	SampleRate           uint32
	StoreFullFingerprint bool
}

func (c Config) hookConfig() denseindex.Config {
	rate := c.SampleRate
	if rate == 0 {
		rate = 1
	}
	return denseindex.Config{
		RecordsPerChapter:    c.RecordsPerChapter / uint64(rate),
		ChaptersPerVolume:    c.ChaptersPerVolume,
		MeanDelta:            c.MeanDelta,
		Zones:                c.Zones,
		StoreFullFingerprint: c.StoreFullFingerprint,
	}
}

func (c Config) nonHookConfig() denseindex.Config {
	rate := c.SampleRate
	if rate == 0 {
		rate = 1
	}
	perSample := c.RecordsPerChapter / uint64(rate)
	return denseindex.Config{
		RecordsPerChapter:    c.RecordsPerChapter - perSample,
		ChaptersPerVolume:    c.ChaptersPerVolume,
		MeanDelta:            c.MeanDelta,
		Zones:                c.Zones,
		StoreFullFingerprint: c.StoreFullFingerprint,
	}
}

// Record wraps a denseindex.Record with the information needed to route
// later mutations back through the same sub-index and, for hook records,
// to reacquire the zone mutex they were found under.
type Record struct {
	hook   bool
	zoneMu *sync.Mutex
	inner  *denseindex.Record
}

// IsFound reports whether the fingerprint already had an entry.
func (r *Record) IsFound() bool { return r.inner.IsFound() }

// IsCollision reports whether the addressed slot holds more than one
// fingerprint.
func (r *Record) IsCollision() bool { return r.inner.IsCollision() }

// VirtualChapter returns the chapter last associated with this record.
func (r *Record) VirtualChapter() uint64 { return r.inner.VirtualChapter() }

// Index is a V6 composite volume index.
type Index struct {
	cfg        Config
	sampleRate uint32
	hook       *denseindex.Index
	nonHook    *denseindex.Index
	zoneMu     []sync.Mutex
}

// New builds an empty composite index.
func New(cfg Config, nonce uint64) (*Index, error) {
	if cfg.SampleRate == 0 {
		return nil, errors.Wrap(vierr.ErrInvalidArgument, "composite index requires a positive sparse sample rate")
	}
	hook, err := denseindex.New(cfg.hookConfig(), nonce)
	if err != nil {
		return nil, errors.Wrap(err, "compositeindex: building hook sub-index")
	}
	nonHook, err := denseindex.New(cfg.nonHookConfig(), nonce)
	if err != nil {
		return nil, errors.Wrap(err, "compositeindex: building non-hook sub-index")
	}
	return &Index{
		cfg:        cfg,
		sampleRate: cfg.SampleRate,
		hook:       hook,
		nonHook:    nonHook,
		zoneMu:     make([]sync.Mutex, cfg.Zones),
	}, nil
}

// IsSample evaluates the sample predicate shared by hook routing and
// lookup_name.
func (idx *Index) IsSample(fp fingerprint.Fingerprint) bool {
	return fingerprint.IsSample(fp, idx.sampleRate)
}

// ZoneOf returns the zone a fingerprint's non-hook delta list belongs to;
// hook and non-hook share the same zone numbering.
func (idx *Index) ZoneOf(fp fingerprint.Fingerprint) uint32 {
	return idx.nonHook.ZoneOf(fp)
}

func (idx *Index) zoneMutex(z uint32) *sync.Mutex { return &idx.zoneMu[z] }

// GetRecord dispatches to hook (under its zone mutex) or non-hook (lock-
// free), per the sample predicate.
func (idx *Index) GetRecord(fp fingerprint.Fingerprint) (*Record, error) {
	if idx.IsSample(fp) {
		z := idx.hook.ZoneOf(fp)
		mu := idx.zoneMutex(z)
		mu.Lock()
		defer mu.Unlock()
		inner, err := idx.hook.GetRecord(fp)
		if err != nil {
			return nil, err
		}
		return &Record{hook: true, zoneMu: mu, inner: inner}, nil
	}
	inner, err := idx.nonHook.GetRecord(fp)
	if err != nil {
		return nil, err
	}
	return &Record{hook: false, inner: inner}, nil
}

// PutRecord inserts rec via the sub-index it was located through,
// reacquiring the hook zone mutex if needed.
func (idx *Index) PutRecord(rec *Record, virtualChapter uint64) error {
	if rec.hook {
		rec.zoneMu.Lock()
		defer rec.zoneMu.Unlock()
		return idx.hook.PutRecord(rec.inner, virtualChapter)
	}
	return idx.nonHook.PutRecord(rec.inner, virtualChapter)
}

// SetRecordChapter rewrites rec's chapter via its owning sub-index.
func (idx *Index) SetRecordChapter(rec *Record, virtualChapter uint64) error {
	if rec.hook {
		rec.zoneMu.Lock()
		defer rec.zoneMu.Unlock()
		return idx.hook.SetRecordChapter(rec.inner, virtualChapter)
	}
	return idx.nonHook.SetRecordChapter(rec.inner, virtualChapter)
}

// RemoveRecord deletes rec via its owning sub-index.
func (idx *Index) RemoveRecord(rec *Record) error {
	if rec.hook {
		rec.zoneMu.Lock()
		defer rec.zoneMu.Unlock()
		return idx.hook.RemoveRecord(rec.inner)
	}
	return idx.nonHook.RemoveRecord(rec.inner)
}

// SetZoneOpenChapter advances zone z on non-hook first (unlocked, since
// it's the owning worker's exclusive zone), then on hook under the zone
// mutex (since the routing thread may be touching hook concurrently).
func (idx *Index) SetZoneOpenChapter(z uint32, v uint64) error {
	if err := idx.nonHook.SetZoneOpenChapter(z, v); err != nil {
		return err
	}
	mu := idx.zoneMutex(z)
	mu.Lock()
	defer mu.Unlock()
	return idx.hook.SetZoneOpenChapter(z, v)
}

// SetOpenChapter applies SetZoneOpenChapter to every zone.
func (idx *Index) SetOpenChapter(v uint64) error {
	for z := uint32(0); z < idx.cfg.Zones; z++ {
		if err := idx.SetZoneOpenChapter(z, v); err != nil {
			return err
		}
	}
	return nil
}

// LookupName implements spec.md §4.3's lookup_name: NONE immediately for a
// non-sampled fingerprint, else a mutex-guarded read-only hook lookup.
func (idx *Index) LookupName(fp fingerprint.Fingerprint) (uint64, bool) {
	if !idx.IsSample(fp) {
		return 0, false
	}
	z := idx.hook.ZoneOf(fp)
	mu := idx.zoneMutex(z)
	mu.Lock()
	defer mu.Unlock()
	return idx.hook.LookupSampled(fp)
}

// Stats returns spec.md §4.3's stats(dense, sparse) pair: the non-hook
// sub-index's aggregate stats and the hook sub-index's.
func (idx *Index) Stats() (dense, sparse deltaindex.Stats) {
	return idx.nonHook.Stats(), idx.hook.Stats()
}

// EstimateSaveBytesNonHook returns the non-hook sub-index's Save byte
// estimate for zone z, used by the façade's compute_save_blocks.
func (idx *Index) EstimateSaveBytesNonHook(z uint32) uint64 { return idx.nonHook.EstimateSaveBytes(z) }

// EstimateSaveBytesHook returns the hook sub-index's Save byte estimate for
// zone z.
func (idx *Index) EstimateSaveBytesHook(z uint32) uint64 { return idx.hook.EstimateSaveBytes(z) }

// Save writes zone z's single vi006 stream: a 12-byte header, followed by
// the non_hook sub-index's full vi005 stream, followed by hook's, all
// concatenated onto the same writer (spec.md §6.2: "Z independent streams,
// each self-contained for its zone").
func (idx *Index) Save(z uint32, w *iostream.Writer) error {
	if err := w.WriteString(vi006Magic); err != nil {
		return err
	}
	if err := w.WriteUint32(idx.sampleRate); err != nil {
		return err
	}
	if err := idx.nonHook.Save(z, w); err != nil {
		return errors.Wrap(err, "compositeindex: saving non-hook sub-index")
	}
	if err := idx.hook.Save(z, w); err != nil {
		return errors.Wrap(err, "compositeindex: saving hook sub-index")
	}
	return nil
}

// Restore reconstructs the composite from one vi006 stream per zone: header,
// then non_hook, then hook, read sequentially off the same reader.
func (idx *Index) Restore(readers []*iostream.Reader) error {
	for z, r := range readers {
		magic, err := r.ReadString(8)
		if err != nil {
			return errors.Wrap(err, "compositeindex: reading vi006 magic")
		}
		if magic != vi006Magic {
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: bad vi006 magic %q", z, magic)
		}
		rate, err := r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "compositeindex: reading sample rate")
		}
		if rate != idx.sampleRate {
			return errors.Wrapf(vierr.ErrCorruptData, "zone %d: sample rate %d disagrees with %d", z, rate, idx.sampleRate)
		}
	}
	if err := idx.nonHook.Restore(readers); err != nil {
		return err
	}
	return idx.hook.Restore(readers)
}
