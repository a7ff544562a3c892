// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package scanpb holds the data model shared by the scan client, the
// location cache and the wire transport: keys, region metadata, row batches
// and the error taxonomy carried in scan responses.
package scanpb

import (
	"bytes"
	"strconv"

	"github.com/cockroachdb/redact"
)

// Key is a row key in a table. Keys order byte-wise.
type Key []byte

// KeyMin is the empty key, the canonical sentinel for an open start
// boundary. A scan spec never carries a nil boundary; nil is normalized to
// this value.
var KeyMin = Key("")

// KeyMax is the sentinel for an open end boundary. Like KeyMin it is the
// empty key; the two are distinguished by position (start vs end), matching
// the convention used by region descriptors, whose last region has an empty
// end key.
var KeyMax = Key("")

// Compare returns -1, 0 or 1 depending on the byte-wise ordering of k and o.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Equal returns whether two keys are byte-wise identical.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Less returns whether k sorts before o.
func (k Key) Less(o Key) bool {
	return bytes.Compare(k, o) < 0
}

// IsEmpty returns whether the key is the empty sentinel.
func (k Key) IsEmpty() bool {
	return len(k) == 0
}

// Next returns the next key in lexicographic sort order, i.e. the smallest
// key strictly greater than k. The method is used to resume a scan just past
// the last delivered row.
func (k Key) Next() Key {
	next := make(Key, len(k)+1)
	copy(next, k)
	return next
}

// Clone returns a copy of the key with its own backing array.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// String returns a human-readable form of the key. The empty key prints as
// /Min so open boundaries are recognizable in logs.
func (k Key) String() string {
	if len(k) == 0 {
		return "/Min"
	}
	return strconv.Quote(string(k))
}

// SafeFormat implements redact.SafeFormatter. Key contents are user data and
// render as unsafe.
func (k Key) SafeFormat(w redact.SafePrinter, _ rune) {
	if len(k) == 0 {
		w.SafeString("/Min")
		return
	}
	w.Print(string(k))
}
