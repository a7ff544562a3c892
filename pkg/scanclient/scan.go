// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package scanclient implements the client-side driver for scans over a
// horizontally partitioned, replicated store. A scan walks the regions
// covering its key span in order, opening a server-side cursor on each
// region, pulling row batches until the region is exhausted, and pushing
// ordered, duplicate-free rows to a Consumer. Transient failures are retried
// per region; stale location information is refreshed and the scan resumes
// from the last delivered position.
package scanclient

import (
	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
)

// Scan describes one scan: the key span, batching and consistency options,
// and which metrics to collect.
type Scan struct {
	// Table is the table to scan.
	Table string
	// StartKey is where the scan begins; empty means the first key of the
	// table. StartExclusive excludes the start key itself.
	StartKey       scanpb.Key
	StartExclusive bool
	// StopKey is where the scan ends; empty means the end of the table.
	// StopInclusive includes the stop key itself.
	StopKey       scanpb.Key
	StopInclusive bool
	// Caching is the per-RPC row budget. Zero assumes DefaultCaching.
	Caching int
	// Priority is an opaque scheduling hint forwarded to the server.
	Priority int
	// Consistency selects which replicas may serve the scan. Strong reads
	// only contact the primary; Timeline reads race read replicas when the
	// primary is slow.
	Consistency scanpb.ReadConsistency
	// Attributes are opaque key/value pairs forwarded on cursor open.
	Attributes map[string][]byte
	// MetricsEnabled collects scan-wide counters, surfaced to an
	// AdvancedConsumer and via Scanner.Metrics.
	MetricsEnabled bool
	// MetricsByRegionEnabled additionally buckets RPC counters by region.
	// Implies MetricsEnabled.
	MetricsByRegionEnabled bool
	// MaxBufferedRows switches row delivery from strict per-response
	// emission to batches of exactly Caching rows, holding back at most this
	// many complete rows between deliveries. Zero keeps strict emission.
	MaxBufferedRows int
}

// DefaultCaching is the per-RPC row budget used when Scan.Caching is zero.
const DefaultCaching = 100

func (s Scan) normalize() (Scan, error) {
	if s.Table == "" {
		return s, errors.New("scan requires a table")
	}
	if s.Caching < 0 || s.MaxBufferedRows < 0 {
		return s, errors.Newf("negative scan option: caching=%d maxBufferedRows=%d",
			s.Caching, s.MaxBufferedRows)
	}
	if s.Caching == 0 {
		s.Caching = DefaultCaching
	}
	if !s.StartKey.IsEmpty() && !s.StopKey.IsEmpty() {
		if c := s.StartKey.Compare(s.StopKey); c > 0 || (c == 0 && !(s.StopInclusive && !s.StartExclusive)) {
			return s, errors.Newf("empty scan span: start %s, stop %s", s.StartKey, s.StopKey)
		}
	}
	if s.MetricsByRegionEnabled {
		s.MetricsEnabled = true
	}
	s.StartKey = s.StartKey.Clone()
	s.StopKey = s.StopKey.Clone()
	return s, nil
}

// scanPosition is a resumable point in the scan's key span.
type scanPosition struct {
	key scanpb.Key
	// inclusive reports whether the row at key itself is still wanted. It is
	// false when resuming just past a fully delivered row.
	inclusive bool
}

func (s Scan) initialPosition() scanPosition {
	return scanPosition{key: s.StartKey, inclusive: !s.StartExclusive}
}

// moreRegionsExist reports whether the scan's span extends past the given
// region, i.e. whether exhausting it leaves further regions to visit.
func moreRegionsExist(desc scanpb.RegionDescriptor, scan *Scan) bool {
	if desc.IsLast() {
		return false
	}
	if scan.StopKey.IsEmpty() {
		return true
	}
	c := desc.EndKey.Compare(scan.StopKey)
	return c < 0 || (c == 0 && scan.StopInclusive)
}
