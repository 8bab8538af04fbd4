package chapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitsForPowerOfTwo(t *testing.T) {
	require.Equal(t, uint(3), bitsFor(8))
	require.Equal(t, uint(4), bitsFor(9))
	require.Equal(t, uint(0), bitsFor(1))
}

func TestToIndexChapterWraps(t *testing.T) {
	w, err := New(8) // bits = 3, mask = 7
	require.NoError(t, err)
	require.Equal(t, uint32(0), w.ToIndexChapter(0))
	require.Equal(t, uint32(7), w.ToIndexChapter(7))
	require.Equal(t, uint32(0), w.ToIndexChapter(8))
	require.Equal(t, uint32(1), w.ToIndexChapter(9))
}

func TestNewLow(t *testing.T) {
	w, err := New(8)
	require.NoError(t, err)
	require.Equal(t, uint64(0), w.NewLow(0))
	require.Equal(t, uint64(0), w.NewLow(7))
	require.Equal(t, uint64(1), w.NewLow(8))
	require.Equal(t, uint64(2), w.NewLow(9))
}

func TestModularDistance(t *testing.T) {
	w, err := New(8)
	require.NoError(t, err)
	require.Equal(t, int64(1), w.ModularDistance(0, 1))
	require.Equal(t, int64(-1), w.ModularDistance(1, 0))
	// Wraparound: 7 -> 0 is +1, not -7.
	require.Equal(t, int64(1), w.ModularDistance(7, 0))
}

func TestToVirtualChapterRoundTrip(t *testing.T) {
	w, err := New(8)
	require.NoError(t, err)
	for v := uint64(2); v <= 9; v++ {
		ic := w.ToIndexChapter(v)
		got, ok := w.ToVirtualChapter(2, 9, ic)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
	// [2,9] spans all 8 index chapters, so every index chapter maps into it;
	// the 7-chapter window [2,8] leaves index chapter 1 (virtual 9) unmapped.
	_, ok := w.ToVirtualChapter(2, 8, w.ToIndexChapter(9))
	require.False(t, ok)
}

func TestInRange(t *testing.T) {
	w, err := New(8)
	require.NoError(t, err)
	require.True(t, w.InRange(w.ToIndexChapter(5), 2, 5))
	require.True(t, w.InRange(w.ToIndexChapter(2), 2, 5))
	require.False(t, w.InRange(w.ToIndexChapter(1), 2, 5))
	require.False(t, w.InRange(w.ToIndexChapter(6), 2, 5))
}
