package zone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionCoversAllLists(t *testing.T) {
	p, err := NewPartition(4, 37)
	require.NoError(t, err)

	seen := make(map[uint32]bool)
	var total uint32
	for z := uint32(0); z < p.ZoneCount(); z++ {
		first := p.FirstListInZone(z)
		count := p.ListCountInZone(z)
		for l := first; l < first+count; l++ {
			require.False(t, seen[l], "list %d claimed twice", l)
			seen[l] = true
			require.Equal(t, z, p.ZoneOfList(l))
		}
		total += count
	}
	require.Equal(t, p.ListCount(), total)
	require.Equal(t, int(p.ListCount()), len(seen))
}

func TestZoneOfListMonotonic(t *testing.T) {
	p, err := NewPartition(3, 100)
	require.NoError(t, err)
	var prev uint32
	for l := uint32(0); l < p.ListCount(); l++ {
		z := p.ZoneOfList(l)
		require.GreaterOrEqual(t, z, prev)
		prev = z
	}
}

func TestNewPartitionValidation(t *testing.T) {
	_, err := NewPartition(0, 10)
	require.Error(t, err)
	_, err = NewPartition(10, 4)
	require.Error(t, err)
}
