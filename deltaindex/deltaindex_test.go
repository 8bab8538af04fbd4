package deltaindex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashvault/volumeindex/fingerprint"
	"github.com/hashvault/volumeindex/iostream"
)

func testConfig() Config {
	return Config{
		ListCount:            4,
		Zones:                []ZoneSpec{{FirstList: 0, NumLists: 2}, {FirstList: 2, NumLists: 2}},
		StoreFullFingerprint: true,
	}
}

func fp(b byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = b
	return f
}

func TestPutGetRoundTrip(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)

	cur, found, _, _, err := idx.GetEntry(1, 3, fp(0xAA))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, idx.Put(cur, 5, fp(0xAA)))

	cur2, found2, chapterVal, _, err := idx.GetEntry(1, 3, fp(0xAA))
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, uint32(5), chapterVal)
	require.Equal(t, uint32(1), cur2.list)
}

func TestCollisionDisambiguation(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)

	cur1, found1, _, _, err := idx.GetEntry(2, 7, fp(0xAA))
	require.NoError(t, err)
	require.False(t, found1)
	require.NoError(t, idx.Put(cur1, 5, fp(0xAA)))

	cur2, found2, _, wouldCollide, err := idx.GetEntry(2, 7, fp(0xBB))
	require.NoError(t, err)
	require.False(t, found2)
	require.True(t, wouldCollide)
	require.NoError(t, idx.Put(cur2, 6, fp(0xBB)))

	_, found, chapterA, collisionA, err := idx.GetEntry(2, 7, fp(0xAA))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, collisionA)
	require.Equal(t, uint32(5), chapterA)

	_, found, chapterB, collisionB, err := idx.GetEntry(2, 7, fp(0xBB))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, collisionB)
	require.Equal(t, uint32(6), chapterB)
}

func TestRemove(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)
	cur, _, _, _, err := idx.GetEntry(0, 1, fp(1))
	require.NoError(t, err)
	require.NoError(t, idx.Put(cur, 9, fp(1)))

	cur2, found, _, _, err := idx.GetEntry(0, 1, fp(1))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, idx.Remove(cur2))

	_, found3, _, _, err := idx.GetEntry(0, 1, fp(1))
	require.NoError(t, err)
	require.False(t, found3)
}

func TestStartSearchNext(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)
	c1, _, _, _, _ := idx.GetEntry(0, 4, fp(1))
	require.NoError(t, idx.Put(c1, 1, fp(1)))
	c2, _, _, _, _ := idx.GetEntry(0, 4, fp(2))
	require.NoError(t, idx.Put(c2, 2, fp(2)))

	cur, err := idx.StartSearch(0, 4)
	require.NoError(t, err)
	count := 0
	for {
		_, err := idx.GetValue(cur)
		require.NoError(t, err)
		count++
		if !idx.Next(&cur) {
			break
		}
	}
	require.Equal(t, 2, count)
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)
	for i := uint32(0); i < 10; i++ {
		cur, _, _, _, err := idx.GetEntry(i%4, i, fp(byte(i)))
		require.NoError(t, err)
		require.NoError(t, idx.Put(cur, i*2, fp(byte(i))))
	}

	var zoneBufs [2]bytes.Buffer
	for z := uint32(0); z < 2; z++ {
		w := iostream.NewWriter(&zoneBufs[z])
		require.NoError(t, idx.StartSave(z, w))
		require.NoError(t, idx.FinishSave(z, w))
		require.NoError(t, w.Flush())
	}

	idx2, err := Initialize(testConfig())
	require.NoError(t, err)
	readers := make([]*iostream.Reader, 2)
	for z := range readers {
		readers[z] = iostream.NewReader(bytes.NewReader(zoneBufs[z].Bytes()))
	}
	require.NoError(t, idx2.StartRestore(readers))
	require.NoError(t, idx2.CheckGuardLists(readers))
	require.NoError(t, idx2.FinishRestore(readers))

	require.Equal(t, idx.Stats(), idx2.Stats())
	for i := uint32(0); i < 10; i++ {
		_, found, chapterVal, _, err := idx2.GetEntry(i%4, i, fp(byte(i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, i*2, chapterVal)
	}
}

func TestBitsUsedInZoneGrows(t *testing.T) {
	idx, err := Initialize(testConfig())
	require.NoError(t, err)
	before := idx.BitsUsedInZone(0)
	cur, _, _, _, err := idx.GetEntry(0, 1, fp(1))
	require.NoError(t, err)
	require.NoError(t, idx.Put(cur, 1, fp(1)))
	after := idx.BitsUsedInZone(0)
	require.Greater(t, after, before)
}
