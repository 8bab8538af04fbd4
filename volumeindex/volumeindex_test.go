package volumeindex

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/iostream"
)

func denseConfig() Config {
	return Config{
		RecordsPerChapter:    2000,
		ChaptersPerVolume:    8,
		MeanDelta:            4,
		Zones:                2,
		StoreFullFingerprint: true,
	}
}

func randomFP(r *rand.Rand) fingerprint.Fingerprint {
	var fp fingerprint.Fingerprint
	r.Read(fp[:])
	return fp
}

func TestDenseSelectedWithoutSparseRate(t *testing.T) {
	idx, err := New(denseConfig(), 42)
	require.NoError(t, err)
	require.False(t, idx.IsComposite())
}

func TestCompositeSelectedWithSparseRate(t *testing.T) {
	cfg := denseConfig()
	cfg.SparseSampleRate = 4
	idx, err := New(cfg, 42)
	require.NoError(t, err)
	require.True(t, idx.IsComposite())
}

// TestRandomPutSaveRestoreRoundTrip is scenario S5: build an index with
// many random puts, save it, load it into a fresh index with the same
// nonce, and confirm every put's chapter survives.
func TestRandomPutSaveRestoreRoundTrip(t *testing.T) {
	const nonce = uint64(0xC0FFEE)
	idx, err := New(denseConfig(), nonce)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(7))

	r := rand.New(rand.NewSource(1))
	type entry struct {
		fp      fingerprint.Fingerprint
		chapter uint64
	}
	var entries []entry
	seen := map[fingerprint.Fingerprint]bool{}
	for len(entries) < 1000 {
		fp := randomFP(r)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		chapter := uint64(r.Intn(8))
		rec, err := idx.GetRecord(fp)
		require.NoError(t, err)
		if rec.IsFound() {
			continue
		}
		err = idx.PutRecord(rec, chapter)
		if err != nil {
			continue // OVERFLOW is an acceptable, logged, silent drop
		}
		entries = append(entries, entry{fp: fp, chapter: chapter})
	}

	bufs := make([]bytes.Buffer, idx.ZoneCount())
	writers := make([]*iostream.Writer, idx.ZoneCount())
	for z := range writers {
		writers[z] = iostream.NewWriter(&bufs[z])
	}
	require.NoError(t, idx.Save(writers))

	idx2, err := New(denseConfig(), nonce)
	require.NoError(t, err)
	readers := make([]*iostream.Reader, idx.ZoneCount())
	for z := range readers {
		readers[z] = iostream.NewReader(bytes.NewReader(bufs[z].Bytes()))
	}
	require.NoError(t, idx2.Load(readers))

	for _, e := range entries {
		rec, err := idx2.GetRecord(e.fp)
		require.NoError(t, err)
		require.True(t, rec.IsFound())
		require.Equal(t, e.chapter, rec.VirtualChapter())
	}

	dense1, _ := idx.Stats()
	dense2, _ := idx2.Stats()
	require.Equal(t, dense1.RecordCount, dense2.RecordCount)
}

func TestComputeSaveBlocksNonZero(t *testing.T) {
	idx, err := New(denseConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(3))
	blocks := idx.ComputeSaveBlocks(4096)
	require.Greater(t, blocks, uint64(0))
}
