// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"fmt"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/metric"
	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

var (
	metaRPCCalls = metric.Metadata{
		Name: "scan.rpc.calls",
		Help: "RPCs issued by the scan, attempts included",
	}
	metaRemoteRPCCalls = metric.Metadata{
		Name: "scan.rpc.calls.remote",
		Help: "RPCs issued to hosts outside the client's locality",
	}
	metaRPCRetries = metric.Metadata{
		Name: "scan.rpc.retries",
		Help: "RPC attempts beyond the first for a logical step",
	}
	metaRemoteRPCRetries = metric.Metadata{
		Name: "scan.rpc.retries.remote",
		Help: "Remote RPC attempts beyond the first for a logical step",
	}
	metaRegions = metric.Metadata{
		Name: "scan.regions",
		Help: "Regions the scan visited, revisits after a move included",
	}
	metaRows = metric.Metadata{
		Name: "scan.rows",
		Help: "Rows delivered to the consumer",
	}
	metaBytes = metric.Metadata{
		Name: "scan.bytes",
		Help: "Bytes in rows delivered to the consumer",
	}
)

// RegionScanMetrics holds the RPC counters of a single visited region.
type RegionScanMetrics struct {
	RPCCalls         *metric.Counter
	RemoteRPCCalls   *metric.Counter
	RPCRetries       *metric.Counter
	RemoteRPCRetries *metric.Counter
}

func newRegionScanMetrics(id scanpb.RegionID) *RegionScanMetrics {
	meta := func(m metric.Metadata) metric.Metadata {
		m.Name = fmt.Sprintf("%s.r%d", m.Name, id)
		return m
	}
	return &RegionScanMetrics{
		RPCCalls:         metric.NewCounter(meta(metaRPCCalls)),
		RemoteRPCCalls:   metric.NewCounter(meta(metaRemoteRPCCalls)),
		RPCRetries:       metric.NewCounter(meta(metaRPCRetries)),
		RemoteRPCRetries: metric.NewCounter(meta(metaRemoteRPCRetries)),
	}
}

// ScanMetrics accumulates counters over the lifetime of one scan. All methods
// are safe for concurrent use and safe on a nil receiver, so callers need not
// distinguish scans with metrics disabled.
type ScanMetrics struct {
	RPCCalls         *metric.Counter
	RemoteRPCCalls   *metric.Counter
	RPCRetries       *metric.Counter
	RemoteRPCRetries *metric.Counter
	RegionsScanned   *metric.Counter
	RowsScanned      *metric.Counter
	BytesInResults   *metric.Counter

	mu struct {
		syncutil.Mutex
		// byRegion is nil unless per-region collection was requested.
		byRegion map[scanpb.RegionID]*RegionScanMetrics
		current  *RegionScanMetrics
	}
}

func newScanMetrics(byRegion bool) *ScanMetrics {
	m := &ScanMetrics{
		RPCCalls:         metric.NewCounter(metaRPCCalls),
		RemoteRPCCalls:   metric.NewCounter(metaRemoteRPCCalls),
		RPCRetries:       metric.NewCounter(metaRPCRetries),
		RemoteRPCRetries: metric.NewCounter(metaRemoteRPCRetries),
		RegionsScanned:   metric.NewCounter(metaRegions),
		RowsScanned:      metric.NewCounter(metaRows),
		BytesInResults:   metric.NewCounter(metaBytes),
	}
	if byRegion {
		m.mu.byRegion = map[scanpb.RegionID]*RegionScanMetrics{}
	}
	return m
}

// countRegion records that the scan is about to visit (or revisit) a region.
func (m *ScanMetrics) countRegion() {
	if m == nil {
		return
	}
	m.RegionsScanned.Inc(1)
}

// setCurrentRegion directs subsequent per-region RPC counts at id.
func (m *ScanMetrics) setCurrentRegion(id scanpb.RegionID) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.byRegion == nil {
		return
	}
	rm, ok := m.mu.byRegion[id]
	if !ok {
		rm = newRegionScanMetrics(id)
		m.mu.byRegion[id] = rm
	}
	m.mu.current = rm
}

func (m *ScanMetrics) regionCounters() *RegionScanMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.current
}

// countRPC records one RPC attempt. attempt is 1-based within the logical
// step; attempts beyond the first also count as retries.
func (m *ScanMetrics) countRPC(remote bool, attempt int) {
	if m == nil {
		return
	}
	m.RPCCalls.Inc(1)
	if remote {
		m.RemoteRPCCalls.Inc(1)
	}
	if attempt > 1 {
		m.RPCRetries.Inc(1)
		if remote {
			m.RemoteRPCRetries.Inc(1)
		}
	}
	if rm := m.regionCounters(); rm != nil {
		rm.RPCCalls.Inc(1)
		if remote {
			rm.RemoteRPCCalls.Inc(1)
		}
		if attempt > 1 {
			rm.RPCRetries.Inc(1)
			if remote {
				rm.RemoteRPCRetries.Inc(1)
			}
		}
	}
}

func (m *ScanMetrics) countRows(rows []scanpb.Row) {
	if m == nil {
		return
	}
	m.RowsScanned.Inc(int64(len(rows)))
	var bytes int64
	for i := range rows {
		bytes += int64(rows[i].Size())
	}
	m.BytesInResults.Inc(bytes)
}

// RegionMetrics returns the per-region counters collected so far, keyed by
// region. It returns nil unless per-region collection was enabled.
func (m *ScanMetrics) RegionMetrics() map[scanpb.RegionID]*RegionScanMetrics {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.byRegion == nil {
		return nil
	}
	out := make(map[scanpb.RegionID]*RegionScanMetrics, len(m.mu.byRegion))
	for id, rm := range m.mu.byRegion {
		out[id] = rm
	}
	return out
}

// AddToRegistry registers the scan-wide counters with r.
func (m *ScanMetrics) AddToRegistry(r *metric.Registry) {
	if m == nil {
		return
	}
	for _, c := range []*metric.Counter{
		m.RPCCalls, m.RemoteRPCCalls, m.RPCRetries, m.RemoteRPCRetries,
		m.RegionsScanned, m.RowsScanned, m.BytesInResults,
	} {
		r.AddMetric(c)
	}
}
