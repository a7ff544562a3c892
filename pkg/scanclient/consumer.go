// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import "github.com/cockroachdb/rangescan/pkg/scanpb"

// Consumer receives the output of a scan. Calls are made from the scan's own
// goroutine, never concurrently, in this order: zero or more OnNext calls
// with non-empty, strictly key-ordered, duplicate-free batches, then exactly
// one of OnError or OnComplete.
type Consumer interface {
	// OnNext delivers a batch of rows. Returning false requests cooperative
	// early termination: the scan stops at this batch boundary, issues no
	// RPC past the delivered position, and finishes with OnComplete.
	OnNext(rows []scanpb.Row) bool
	// OnError reports the terminal scan error. No further calls follow.
	OnError(err error)
	// OnComplete reports that the scan reached its stop boundary (or was
	// stopped early by OnNext). No further calls follow.
	OnComplete()
}

// AdvancedConsumer is a Consumer that additionally wants the scan's metrics
// handle. OnScanMetricsCreated is called at most once, before any row
// delivery, and only when the scan has metrics enabled.
type AdvancedConsumer interface {
	Consumer
	OnScanMetricsCreated(metrics *ScanMetrics)
}
