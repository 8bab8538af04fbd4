package denseindex

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
		StoreFullFingerprint: true,
	}
}

func makeFP(list uint32, addr uint32, tag byte) fingerprint.Fingerprint {
	// With MeanDelta=1 the derived address width is small; pack list and
	// address directly into the low 8 bytes the codec reads, and vary the
	// high bytes by tag so distinct fingerprints with the same (list,addr)
	// are still distinguishable content.
	var fp fingerprint.Fingerprint
	combined := uint64(addr) | uint64(list)<<8
	for i := 0; i < 8; i++ {
		fp[i] = byte(combined >> (8 * i))
	}
	fp[8] = tag
	return fp
}

func TestPutGet(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(5))

	fp := makeFP(0, 3, 0xAA)
	rec, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.False(t, rec.IsFound())
	require.NoError(t, idx.PutRecord(rec, 5))

	rec2, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.True(t, rec2.IsFound())
	require.Equal(t, uint64(5), rec2.VirtualChapter())
}

func TestCollision(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(6))

	fp1 := makeFP(0, 3, 0xAA)
	fp2 := makeFP(0, 3, 0xBB)

	rec1, err := idx.GetRecord(fp1)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec1, 5))

	rec2, err := idx.GetRecord(fp2)
	require.NoError(t, err)
	require.False(t, rec2.IsFound())
	require.True(t, rec2.IsCollision())
	require.NoError(t, idx.PutRecord(rec2, 6))

	got1, err := idx.GetRecord(fp1)
	require.NoError(t, err)
	require.True(t, got1.IsFound())
	require.True(t, got1.IsCollision())
	require.Equal(t, uint64(5), got1.VirtualChapter())

	got2, err := idx.GetRecord(fp2)
	require.NoError(t, err)
	require.True(t, got2.IsFound())
	require.True(t, got2.IsCollision())
	require.Equal(t, uint64(6), got2.VirtualChapter())
}

func TestExpiry(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(0))

	fp := makeFP(0, 3, 0xAA)
	rec, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec, 0))

	// num_chapters=8, so chapter 9's new low is 2, past the old high of 0:
	// the zone jumps to [9,9], aging out chapter 0.
	require.NoError(t, idx.SetOpenChapter(9))

	got, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.False(t, got.IsFound())
}

func TestBackwardReset(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(10))
	require.NoError(t, idx.SetZoneOpenChapter(0, 4))

	low, high := idx.ZoneRange(0)
	require.Equal(t, uint64(4), low)
	require.Equal(t, uint64(4), high)
}

func TestBackwardResetWithinWindowKeepsLow(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(6)) // low=0 (6-8+1 < 0 -> 0), high=6

	fp := makeFP(0, 3, 0xAA)
	rec, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec, 6))

	require.NoError(t, idx.SetZoneOpenChapter(0, 3))
	low, high := idx.ZoneRange(0)
	require.Equal(t, uint64(0), low)
	require.Equal(t, uint64(3), high)

	got, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.False(t, got.IsFound(), "chapter 6 entry must be discarded once high drops to 3")
}

func TestLookupSampledDoesNotMutate(t *testing.T) {
	idx, err := New(testConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, idx.SetOpenChapter(5))

	fp := makeFP(0, 3, 0xAA)
	rec, err := idx.GetRecord(fp)
	require.NoError(t, err)
	require.NoError(t, idx.PutRecord(rec, 5))

	v, ok := idx.LookupSampled(fp)
	require.True(t, ok)
	require.Equal(t, uint64(5), v)
	require.False(t, idx.IsSample(fp))
}
