// Package zone implements the deterministic, static mapping from delta-list
// number (and, by composition, from fingerprint) to the zone that owns it.
package zone

import (
	"fmt"

	"github.com/hashvault/volumeindex/fingerprint"
)

// Partition assigns each of listCount delta lists to exactly one of
// zoneCount zones, for the lifetime of an index.
type Partition struct {
	zoneCount uint32
	listCount uint32
}

// NewPartition builds a Partition. zoneCount and listCount must be
// positive, and listCount must be at least zoneCount so that every zone
// owns at least one list.
func NewPartition(zoneCount, listCount uint32) (*Partition, error) {
	if zoneCount == 0 {
		return nil, fmt.Errorf("zone: zone count must be positive")
	}
	if listCount < zoneCount {
		return nil, fmt.Errorf("zone: list count %d smaller than zone count %d", listCount, zoneCount)
	}
	return &Partition{zoneCount: zoneCount, listCount: listCount}, nil
}

// ZoneCount reports the number of zones.
func (p *Partition) ZoneCount() uint32 { return p.zoneCount }

// ListCount reports the number of delta lists.
func (p *Partition) ListCount() uint32 { return p.listCount }

// ZoneOfList returns the zone that owns the given delta list.
func (p *Partition) ZoneOfList(list uint32) uint32 {
	return uint32((uint64(list) * uint64(p.zoneCount)) / uint64(p.listCount))
}

// ZoneOfFingerprint returns the zone that owns the delta list a fingerprint
// hashes to under codec.
func (p *Partition) ZoneOfFingerprint(codec *fingerprint.Codec, fp fingerprint.Fingerprint) uint32 {
	return p.ZoneOfList(codec.List(fp))
}

// FirstListInZone returns the lowest-numbered delta list owned by zone z.
// It is the inverse of ZoneOfList: the smallest list such that
// ZoneOfList(list) == z.
func (p *Partition) FirstListInZone(z uint32) uint32 {
	if z >= p.zoneCount {
		return p.listCount
	}
	num := uint64(z)*uint64(p.listCount) + uint64(p.zoneCount) - 1
	return uint32(num / uint64(p.zoneCount))
}

// ListCountInZone returns the number of delta lists owned by zone z.
func (p *Partition) ListCountInZone(z uint32) uint32 {
	return p.FirstListInZone(z+1) - p.FirstListInZone(z)
}
