package compositeindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashvault/volumeindex/fingerprint"
)

func testConfig() Config {
	return Config{
		RecordsPerChapter:    16,
		ChaptersPerVolume:    8,
		MeanDelta:            1,
		Zones:                1,
		SampleRate:           4,
		StoreFullFingerprint: true,
	}
}

// makeFP fills the sampling window (bytes 8..15) from sampleWord so
// fingerprint.IsSample's "sample-bits mod rate == 0" predicate is under
// the caller's control, independent of the address/list bits in bytes
// 0..7.
func makeFP(addr uint32, sampleWord uint64) fingerprint.Fingerprint {
	var fp fingerprint.Fingerprint
	for i := 0; i < 8; i++ {
		fp[i] = byte(uint64(addr) >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		fp[8+i] = byte(sampleWord >> (8 * i))
	}
	return fp
}

func TestCompositeRouting(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(5))

	sampled := makeFP(3, 8) // 8 mod 4 == 0
	notSampled := makeFP(3, 9)

	require.True(t, idx.IsSample(sampled))
	require.False(t, idx.IsSample(notSampled))

	rec, err := idx.GetRecord(sampled)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec, 5))

	v, ok := idx.LookupName(sampled)
	require.True(t, ok)
	require.Equal(t, uint64(5), v)

	_, ok = idx.LookupName(notSampled)
	require.False(t, ok, "lookup_name must return NONE for a non-sampled fingerprint regardless of puts")

	rec2, err := idx.GetRecord(notSampled)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec2, 5))
	_, ok = idx.LookupName(notSampled)
	require.False(t, ok)

	dense, sparse := idx.Stats()
	require.Equal(t, uint64(1), dense.RecordCount)
	require.Equal(t, uint64(1), sparse.RecordCount)
}
