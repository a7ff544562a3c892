// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

import "github.com/cockroachdb/redact"

// RegionID is a unique identifier for a region.
type RegionID uint64

// String implements fmt.Stringer.
func (r RegionID) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r RegionID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("r%d", uint64(r))
}

// SafeValue implements redact.SafeValue.
func (r RegionID) SafeValue() {}

// ReplicaID identifies one replica of a region. ID 0 is the primary.
type ReplicaID int32

// RegionDescriptor describes one region of a table: the identity of the
// partition and the half-open key span [StartKey, EndKey) it serves. The
// last region of a table has an empty EndKey.
type RegionDescriptor struct {
	RegionID RegionID
	Table    string
	StartKey Key
	EndKey   Key
}

// ContainsKey returns whether the region's span contains the given key.
func (d RegionDescriptor) ContainsKey(k Key) bool {
	if k.Compare(d.StartKey) < 0 {
		return false
	}
	return d.IsLast() || k.Compare(d.EndKey) < 0
}

// IsLast returns whether this is the last region of its table, i.e. its end
// boundary is open.
func (d RegionDescriptor) IsLast() bool {
	return len(d.EndKey) == 0
}

// String implements fmt.Stringer.
func (d RegionDescriptor) String() string {
	return redact.StringWithoutMarkers(d)
}

// SafeFormat implements redact.SafeFormatter.
func (d RegionDescriptor) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%v{%v-%v}", d.RegionID, d.StartKey, d.EndKey)
}

// RegionInfo identifies one serving instance of a region: the descriptor
// plus the host currently serving it. ReplicaID 0 is the primary; nonzero
// IDs are read replicas reachable under timeline-consistent reads. Remote
// records whether the host is remote from the client's point of view; it
// only affects metrics bucketing and is populated by the locator (the
// locality test is environment-dependent).
type RegionInfo struct {
	Desc      RegionDescriptor
	Host      string
	ReplicaID ReplicaID
	Remote    bool
}

// IsPrimary returns whether this location is the region's primary.
func (ri RegionInfo) IsPrimary() bool {
	return ri.ReplicaID == 0
}

// String implements fmt.Stringer.
func (ri RegionInfo) String() string {
	return redact.StringWithoutMarkers(ri)
}

// SafeFormat implements redact.SafeFormatter.
func (ri RegionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%v@%s", ri.Desc, redact.SafeString(ri.Host))
	if !ri.IsPrimary() {
		w.Printf("/replica=%d", int32(ri.ReplicaID))
	}
}

// ReadConsistency selects how region locations are resolved and which hosts
// may serve reads.
type ReadConsistency int32

const (
	// Strong reads are served by the region's primary only.
	Strong ReadConsistency = iota
	// Timeline reads may be served by read replicas; the open step races the
	// primary against the replicas and the first success wins.
	Timeline
)

// String implements fmt.Stringer.
func (c ReadConsistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Timeline:
		return "timeline"
	default:
		return "unknown"
	}
}
