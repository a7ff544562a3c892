// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
)

// resultCache sits between the RPC layer and the consumer. It accepts raw
// response batches, which may overlap previously accepted rows after a retry
// and may end in a partially transferred row, and turns them into the groups
// of complete rows the consumer is allowed to observe: strictly increasing,
// duplicate free, gap free.
type resultCache interface {
	// add accepts one response batch and returns zero or more row groups to
	// deliver, in order. An error means the server violated the response
	// contract and the scan must fail.
	add(batch scanpb.RowBatch) ([][]scanpb.Row, error)
	// flush returns whatever complete rows are still held back. Called when
	// the scan completes.
	flush() [][]scanpb.Row
	// resumeFrom returns the position at which the scan must reopen after an
	// interruption, given the position it would use had nothing been
	// accepted. A buffered partial row is discarded: the server will resend
	// that row from its first cell.
	resumeFrom(fallback scanPosition) scanPosition
	// regionExhausted is called when the server reports no more rows in the
	// current region. It fails if a partially transferred row is pending,
	// since a region may not end mid-row.
	regionExhausted() error
}

// strictCache emits every complete row as soon as it is received. This is
// the default delivery discipline.
type strictCache struct {
	// frontier is the key of the last complete row accepted, nil before the
	// first. Rows at or before it are duplicates from a retried RPC.
	frontier scanpb.Key
	// partial holds the leading fragment of a row split across responses.
	partial *scanpb.Row
}

func (c *strictCache) add(batch scanpb.RowBatch) ([][]scanpb.Row, error) {
	rows, err := c.accept(batch)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return [][]scanpb.Row{rows}, nil
}

// accept validates one batch against the cache state and returns the complete
// rows it contributes past the frontier.
func (c *strictCache) accept(batch scanpb.RowBatch) ([]scanpb.Row, error) {
	rows := batch.Rows
	for len(rows) > 0 && !c.frontier.IsEmpty() && rows[0].Key.Compare(c.frontier) <= 0 {
		rows = rows[1:]
	}

	if c.partial != nil && len(rows) > 0 {
		if !rows[0].Key.Equal(c.partial.Key) {
			return nil, errors.AssertionFailedf(
				"expected continuation of row %s, got row %s", c.partial.Key, rows[0].Key)
		}
		merged := scanpb.Row{
			Key:   c.partial.Key,
			Cells: append(c.partial.Cells, rows[0].Cells...),
		}
		c.partial = nil
		rows = append([]scanpb.Row{merged}, rows[1:]...)
	}

	if batch.PartialLastRow && len(rows) > 0 {
		last := rows[len(rows)-1]
		c.partial = &scanpb.Row{
			Key:   last.Key.Clone(),
			Cells: append([]scanpb.Cell(nil), last.Cells...),
		}
		rows = rows[:len(rows)-1]
	}

	prev := c.frontier
	for i := range rows {
		if !prev.IsEmpty() && rows[i].Key.Compare(prev) <= 0 {
			return nil, errors.AssertionFailedf(
				"out of order row %s after %s", rows[i].Key, prev)
		}
		prev = rows[i].Key
	}
	if len(rows) > 0 {
		c.frontier = rows[len(rows)-1].Key.Clone()
	}
	return rows, nil
}

func (c *strictCache) flush() [][]scanpb.Row { return nil }

func (c *strictCache) resumeFrom(fallback scanPosition) scanPosition {
	if c.partial != nil {
		key := c.partial.Key
		c.partial = nil
		return scanPosition{key: key, inclusive: true}
	}
	if !c.frontier.IsEmpty() {
		return scanPosition{key: c.frontier, inclusive: false}
	}
	return fallback
}

func (c *strictCache) regionExhausted() error {
	if c.partial != nil {
		return errors.AssertionFailedf(
			"region exhausted with partially received row %s", c.partial.Key)
	}
	return nil
}

// batchingCache delivers rows in groups of exactly batchSize, smoothing over
// uneven response sizes, and caps how many complete rows it holds back. When
// the cap is exceeded it emits a short trailing group instead of buffering
// further.
type batchingCache struct {
	strict      strictCache
	batchSize   int
	maxBuffered int
	buf         []scanpb.Row
}

func newBatchingCache(batchSize, maxBuffered int) *batchingCache {
	return &batchingCache{batchSize: batchSize, maxBuffered: maxBuffered}
}

func (c *batchingCache) add(batch scanpb.RowBatch) ([][]scanpb.Row, error) {
	rows, err := c.strict.accept(batch)
	if err != nil {
		return nil, err
	}
	c.buf = append(c.buf, rows...)
	var out [][]scanpb.Row
	for len(c.buf) >= c.batchSize {
		out = append(out, c.buf[:c.batchSize])
		c.buf = c.buf[c.batchSize:]
	}
	if len(c.buf) > c.maxBuffered {
		out = append(out, c.buf)
		c.buf = nil
	}
	return out, nil
}

func (c *batchingCache) flush() [][]scanpb.Row {
	if len(c.buf) == 0 {
		return nil
	}
	out := [][]scanpb.Row{c.buf}
	c.buf = nil
	return out
}

// resumeFrom resumes past the last accepted row. Rows still buffered have
// been accepted and stay buffered; they are not re-fetched.
func (c *batchingCache) resumeFrom(fallback scanPosition) scanPosition {
	return c.strict.resumeFrom(fallback)
}

func (c *batchingCache) regionExhausted() error {
	return c.strict.regionExhausted()
}

func newResultCache(scan *Scan) resultCache {
	if scan.MaxBufferedRows > 0 {
		return newBatchingCache(scan.Caching, scan.MaxBufferedRows)
	}
	return &strictCache{}
}
