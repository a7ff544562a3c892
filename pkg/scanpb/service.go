// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

import "context"

// ScanService is the client-side interface to a region server's scan
// service. Implemented by the rpc package's framed-TCP client and by
// in-memory test stores.
//
// Calls for one scanner are issued sequentially: the next Scan is not sent
// until the previous call has completed. Implementations may rely on this
// and need not support pipelining within one scanner.
type ScanService interface {
	// OpenScanner opens a server-side scanner and may return a first batch.
	OpenScanner(ctx context.Context, req *OpenScannerRequest) (*OpenScannerResponse, error)
	// Scan continues, renews or closes an open scanner.
	Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error)
}
