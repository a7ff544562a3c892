// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

import "time"

// OpenScannerRequest asks a region server to open a server-side scanner over
// the intersection of the request span and the region's span.
type OpenScannerRequest struct {
	Region         RegionID
	Table          string
	StartKey       Key
	StartInclusive bool
	StopKey        Key
	StopInclusive  bool
	// RowBudget caps the number of rows returned with the open response and
	// with each subsequent continue RPC.
	RowBudget int
	Priority  int
	// Attributes is an opaque key/value map forwarded to the server with
	// every request for this scanner.
	Attributes map[string][]byte
}

// OpenScannerResponse returns the server-assigned scanner and, when the
// server chose to, a first batch of rows.
type OpenScannerResponse struct {
	ScannerID uint64
	// LeaseTTL is the idle duration after which the server may discard the
	// scanner. Clients that need to pause longer than the lease must renew
	// it.
	LeaseTTL time.Duration
	Batch    RowBatch
}

// ScanRequest continues, renews or closes a previously opened scanner.
type ScanRequest struct {
	ScannerID uint64
	RowBudget int
	// Renew asks the server to extend the scanner lease without returning
	// rows.
	Renew bool
	// Close releases the scanner. The response carries no rows.
	Close bool
}

// ScanResponse carries the rows produced by one continue RPC.
type ScanResponse struct {
	Batch RowBatch
}
