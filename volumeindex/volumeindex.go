// Package volumeindex implements the VolumeIndex façade: the public entry
// point that picks a DenseIndex (V5) or CompositeIndex (V6) sub-index at
// construction time and exposes their shared operation set uniformly.
// Reimplemented here as a two-variant tagged union rather than the
// function-pointer-table or class-hierarchy shapes a C or Java port would
// reach for (spec.md §9's design note).
package volumeindex

import (
	"github.com/pkg/errors"

	"github.com/hashvault/volumeindex/compositeindex"
	"github.com/hashvault/volumeindex/deltaindex"
	"github.com/hashvault/volumeindex/denseindex"
	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/internal/vierr"
	"github.com/hashvault/volumeindex/iostream"
)

// Config is the union of everything DenseIndex and CompositeIndex need.
// Setting SparseSampleRate to a positive value selects a CompositeIndex
// (V6); zero selects a plain DenseIndex (V5).
type Config struct {
	RecordsPerChapter    uint64
	ChaptersPerVolume    uint64
	MeanDelta            uint64
	Zones                uint32
	StoreFullFingerprint bool
	// SparseSampleRate, when positive, builds a V6 composite index with
	// this sample rate; zero builds a plain V5 dense index.
	SparseSampleRate uint32
}

func (c Config) validate() error {
	if c.Zones == 0 {
		return errors.Wrap(vierr.ErrInvalidArgument, "zone count must be positive")
	}
	return nil
}

// Record is the façade's handle, wrapping whichever sub-index variant
// produced it.
type Record struct {
	dense     *denseindex.Record
	composite *compositeindex.Record
}

// IsFound reports whether the fingerprint this record was located for
// already had an entry.
func (r *Record) IsFound() bool {
	if r.composite != nil {
		return r.composite.IsFound()
	}
	return r.dense.IsFound()
}

// IsCollision reports whether the addressed slot holds more than one
// fingerprint.
func (r *Record) IsCollision() bool {
	if r.composite != nil {
		return r.composite.IsCollision()
	}
	return r.dense.IsCollision()
}

// VirtualChapter returns the chapter last associated with this record.
func (r *Record) VirtualChapter() uint64 {
	if r.composite != nil {
		return r.composite.VirtualChapter()
	}
	return r.dense.VirtualChapter()
}

// Index is the VolumeIndex façade: exactly one of dense or composite is
// non-nil for the lifetime of the value.
type Index struct {
	dense     *denseindex.Index
	composite *compositeindex.Index
	zones     uint32
}

// New builds a VolumeIndex, selecting V5 or V6 per cfg.SparseSampleRate.
func New(cfg Config, nonce uint64) (*Index, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SparseSampleRate > 0 {
		ci, err := compositeindex.New(compositeindex.Config{
			RecordsPerChapter:    cfg.RecordsPerChapter,
			ChaptersPerVolume:    cfg.ChaptersPerVolume,
			MeanDelta:            cfg.MeanDelta,
			Zones:                cfg.Zones,
			SampleRate:           cfg.SparseSampleRate,
			StoreFullFingerprint: cfg.StoreFullFingerprint,
		}, nonce)
		if err != nil {
			return nil, errors.Wrap(err, "volumeindex: building composite index")
		}
		return &Index{composite: ci, zones: cfg.Zones}, nil
	}
	di, err := denseindex.New(denseindex.Config{
		RecordsPerChapter:    cfg.RecordsPerChapter,
		ChaptersPerVolume:    cfg.ChaptersPerVolume,
		MeanDelta:            cfg.MeanDelta,
		Zones:                cfg.Zones,
		StoreFullFingerprint: cfg.StoreFullFingerprint,
	}, nonce)
	if err != nil {
		return nil, errors.Wrap(err, "volumeindex: building dense index")
	}
	return &Index{dense: di, zones: cfg.Zones}, nil
}

// IsComposite reports whether this index was built as a V6 composite
// rather than a plain V5 dense index.
func (idx *Index) IsComposite() bool { return idx.composite != nil }

// ZoneCount reports the configured number of zones.
func (idx *Index) ZoneCount() uint32 { return idx.zones }

// GetRecord locates fp, dispatching to whichever sub-index variant backs
// this façade.
func (idx *Index) GetRecord(fp fingerprint.Fingerprint) (*Record, error) {
	if idx.composite != nil {
		r, err := idx.composite.GetRecord(fp)
		if err != nil {
			return nil, err
		}
		return &Record{composite: r}, nil
	}
	r, err := idx.dense.GetRecord(fp)
	if err != nil {
		return nil, err
	}
	return &Record{dense: r}, nil
}

// PutRecord inserts rec at virtualChapter.
func (idx *Index) PutRecord(rec *Record, virtualChapter uint64) error {
	if idx.composite != nil {
		return idx.composite.PutRecord(rec.composite, virtualChapter)
	}
	return idx.dense.PutRecord(rec.dense, virtualChapter)
}

// SetRecordChapter rewrites rec's chapter.
func (idx *Index) SetRecordChapter(rec *Record, virtualChapter uint64) error {
	if idx.composite != nil {
		return idx.composite.SetRecordChapter(rec.composite, virtualChapter)
	}
	return idx.dense.SetRecordChapter(rec.dense, virtualChapter)
}

// RemoveRecord deletes rec's located entry.
func (idx *Index) RemoveRecord(rec *Record) error {
	if idx.composite != nil {
		return idx.composite.RemoveRecord(rec.composite)
	}
	return idx.dense.RemoveRecord(rec.dense)
}

// SetZoneOpenChapter advances zone z's open chapter.
func (idx *Index) SetZoneOpenChapter(z uint32, v uint64) error {
	if idx.composite != nil {
		return idx.composite.SetZoneOpenChapter(z, v)
	}
	return idx.dense.SetZoneOpenChapter(z, v)
}

// SetOpenChapter advances every zone's open chapter.
func (idx *Index) SetOpenChapter(v uint64) error {
	if idx.composite != nil {
		return idx.composite.SetOpenChapter(v)
	}
	return idx.dense.SetOpenChapter(v)
}

// LookupName returns the chapter a sampled fingerprint was last put under,
// or NONE if fp isn't a sample or has no entry. On a V5 index (no sparse
// sub-index) this always returns NONE, since is_sample is always false.
func (idx *Index) LookupName(fp fingerprint.Fingerprint) (uint64, bool) {
	if idx.composite != nil {
		return idx.composite.LookupName(fp)
	}
	return 0, false
}

// IsSample reports whether fp is routed to the sparse sub-index. Always
// false on a V5 index.
func (idx *Index) IsSample(fp fingerprint.Fingerprint) bool {
	if idx.composite != nil {
		return idx.composite.IsSample(fp)
	}
	return idx.dense.IsSample(fp)
}

// ZoneOf returns the zone fp's delta list belongs to.
func (idx *Index) ZoneOf(fp fingerprint.Fingerprint) uint32 {
	if idx.composite != nil {
		return idx.composite.ZoneOf(fp)
	}
	return idx.dense.ZoneOf(fp)
}

// Stats returns the dense and sparse record/collision counts. On a V5
// index, sparse is always the zero value.
func (idx *Index) Stats() (dense, sparse deltaindex.Stats) {
	if idx.composite != nil {
		return idx.composite.Stats()
	}
	return idx.dense.Stats(), deltaindex.Stats{}
}

// Save writes one stream per zone: vi005 directly for a V5 index, or
// vi006 (header + non_hook + hook) for a V6 composite index.
func (idx *Index) Save(writers []*iostream.Writer) error {
	if uint32(len(writers)) != idx.zones {
		return errors.Wrapf(vierr.ErrInvalidArgument, "expected %d zone writers, got %d", idx.zones, len(writers))
	}
	for z, w := range writers {
		var err error
		if idx.composite != nil {
			err = idx.composite.Save(uint32(z), w)
		} else {
			err = idx.dense.Save(uint32(z), w)
		}
		if err != nil {
			return errors.Wrapf(err, "volumeindex: saving zone %d", z)
		}
	}
	return nil
}

// Load reconstructs the index from one stream per zone, previously
// produced by Save with the same nonce and zone count.
func (idx *Index) Load(readers []*iostream.Reader) error {
	if uint32(len(readers)) != idx.zones {
		return errors.Wrapf(vierr.ErrInvalidArgument, "expected %d zone readers, got %d", idx.zones, len(readers))
	}
	if idx.composite != nil {
		return idx.composite.Restore(readers)
	}
	return idx.dense.Restore(readers)
}

// ComputeSaveBlocks estimates how many blockSize-sized blocks a Save would
// require across every zone, for callers that pre-allocate storage for the
// save stream.
func (idx *Index) ComputeSaveBlocks(blockSize uint64) uint64 {
	if blockSize == 0 {
		blockSize = 1
	}
	var total uint64
	for z := uint32(0); z < idx.zones; z++ {
		if idx.composite != nil {
			total += 12 + idx.composite.EstimateSaveBytesNonHook(z) + idx.composite.EstimateSaveBytesHook(z)
		} else {
			total += idx.dense.EstimateSaveBytes(z)
		}
	}
	return (total + blockSize - 1) / blockSize
}
