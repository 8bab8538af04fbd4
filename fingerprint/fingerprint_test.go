package fingerprint

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeFP(volBits, sampleBits uint64) Fingerprint {
	var fp Fingerprint
	binary.LittleEndian.PutUint64(fp[0:8], volBits)
	binary.LittleEndian.PutUint64(fp[8:16], sampleBits)
	return fp
}

func TestCodecDeterministic(t *testing.T) {
	c, err := NewCodec(4, 4)
	require.NoError(t, err)

	fp := makeFP(0x2B, 0) // address bits = low 4 bits of 0x2B = 0xB = 11, list = (0x2B>>4) % 4
	addr1 := c.Address(fp)
	list1 := c.List(fp)
	addr2 := c.Address(fp)
	list2 := c.List(fp)
	require.Equal(t, addr1, addr2)
	require.Equal(t, list1, list2)
	require.Equal(t, uint32(0xB), addr1)
}

func TestNewCodecRejectsBadAddressBits(t *testing.T) {
	_, err := NewCodec(0, 4)
	require.Error(t, err)
	_, err = NewCodec(32, 4)
	require.Error(t, err)
	_, err = NewCodec(4, 0)
	require.Error(t, err)
}

func TestIsSample(t *testing.T) {
	fp := makeFP(0, 8) // sample bits = 8
	require.True(t, IsSample(fp, 4))  // 8 % 4 == 0
	require.False(t, IsSample(fp, 3)) // 8 % 3 != 0
	require.False(t, IsSample(fp, 0))
}

func TestAddressWindowsDisjoint(t *testing.T) {
	// Changing the sampling window must never change address/list, and
	// vice versa: the two windows are disjoint byte ranges.
	c, err := NewCodec(4, 4)
	require.NoError(t, err)
	fp1 := makeFP(0x123456789ABCDEF0, 0)
	fp2 := makeFP(0x123456789ABCDEF0, 0xFFFFFFFFFFFFFFFF)
	require.Equal(t, c.Address(fp1), c.Address(fp2))
	require.Equal(t, c.List(fp1), c.List(fp2))
}

func TestDigest64Deterministic(t *testing.T) {
	fp := makeFP(1, 2)
	require.Equal(t, Digest64(fp), Digest64(fp))
	fp2 := makeFP(1, 3)
	require.NotEqual(t, Digest64(fp), Digest64(fp2))
}
