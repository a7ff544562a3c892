// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

// Cell is a single column value within a row.
type Cell struct {
	Column string
	Value  []byte
}

// Row is an ordered set of cells under one key. A logical row too large for
// one RPC response may arrive split across consecutive batches; see
// RowBatch.PartialLastRow.
type Row struct {
	Key   Key
	Cells []Cell
}

// Size returns the approximate wire size of the row in bytes.
func (r Row) Size() int {
	n := len(r.Key)
	for _, c := range r.Cells {
		n += len(c.Column) + len(c.Value)
	}
	return n
}

// RowBatch is the unit of data returned by a single scan RPC: rows in
// strictly increasing key order, plus continuation flags.
type RowBatch struct {
	Rows []Row
	// MoreInRegion is set when the region holds further rows past this batch
	// and the caller should issue another continue RPC against the same
	// scanner.
	MoreInRegion bool
	// PartialLastRow is set when the final row of the batch is incomplete:
	// its remaining cells follow in the next response. Consumers must not
	// observe the row until it has been reassembled.
	PartialLastRow bool
}

// Empty returns whether the batch carries no rows.
func (b RowBatch) Empty() bool {
	return len(b.Rows) == 0
}

// LastKey returns the key of the final row in the batch, or nil for an empty
// batch.
func (b RowBatch) LastKey() Key {
	if len(b.Rows) == 0 {
		return nil
	}
	return b.Rows[len(b.Rows)-1].Key
}
