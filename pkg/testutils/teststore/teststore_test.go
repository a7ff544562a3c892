// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package teststore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/leaktest"
)

func TestStoreServesBatchesWithinRegion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	store := New("t", "m")
	for _, k := range []string{"a", "b", "c", "x"} {
		store.Put(k, "c1", []byte("v"))
	}

	svc, err := store.Dial(ctx, "s1")
	require.NoError(t, err)
	resp, err := svc.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region: 1, Table: "t", StartInclusive: true, RowBudget: 2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Batch.Rows, 2)
	require.True(t, resp.Batch.MoreInRegion)

	scanResp, err := svc.Scan(ctx, &scanpb.ScanRequest{ScannerID: resp.ScannerID, RowBudget: 2})
	require.NoError(t, err)
	// Row x lives in region 2 and must not leak across the boundary.
	require.Len(t, scanResp.Batch.Rows, 1)
	require.Equal(t, scanpb.Key("c"), scanResp.Batch.Rows[0].Key)
	require.False(t, scanResp.Batch.MoreInRegion)

	_, err = svc.Scan(ctx, &scanpb.ScanRequest{ScannerID: resp.ScannerID, Close: true})
	require.NoError(t, err)
	require.Zero(t, store.OpenScannerCount())
}

func TestStoreSplitsLargeRows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	store := New("t")
	store.MaxCellsPerBatch = 2
	for _, col := range []string{"c1", "c2", "c3"} {
		store.Put("a", col, []byte("v"))
	}

	svc, err := store.Dial(ctx, "s1")
	require.NoError(t, err)
	resp, err := svc.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region: 1, Table: "t", StartInclusive: true, RowBudget: 10,
	})
	require.NoError(t, err)
	require.True(t, resp.Batch.PartialLastRow)
	require.Len(t, resp.Batch.Rows[0].Cells, 2)

	scanResp, err := svc.Scan(ctx, &scanpb.ScanRequest{ScannerID: resp.ScannerID, RowBudget: 10})
	require.NoError(t, err)
	require.False(t, scanResp.Batch.PartialLastRow)
	require.Equal(t, scanpb.Key("a"), scanResp.Batch.Rows[0].Key)
	require.Len(t, scanResp.Batch.Rows[0].Cells, 1)
}

func TestStoreMoveFailsOldHost(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	store := New("t")
	store.Put("a", "c1", []byte("v"))

	svc, err := store.Dial(ctx, "s1")
	require.NoError(t, err)
	resp, err := svc.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region: 1, Table: "t", StartInclusive: true, RowBudget: 1,
	})
	require.NoError(t, err)

	store.Move(1, "s9")
	_, err = svc.Scan(ctx, &scanpb.ScanRequest{ScannerID: resp.ScannerID, RowBudget: 1})
	require.True(t, scanpb.IsRegionMoved(err))
	_, err = svc.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region: 1, Table: "t", StartInclusive: true, RowBudget: 1,
	})
	require.True(t, scanpb.IsRegionMoved(err))

	// The new host serves lookups and opens.
	locs, err := store.RegionLookup(ctx, "t", scanpb.KeyMin)
	require.NoError(t, err)
	require.Equal(t, "s9", locs[0].Primary().Host)
}

func TestStoreDroppedScannersReportLeaseExpiry(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	store := New("t")
	store.Put("a", "c1", []byte("v"))

	svc, err := store.Dial(ctx, "s1")
	require.NoError(t, err)
	resp, err := svc.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region: 1, Table: "t", StartInclusive: true, RowBudget: 1,
	})
	require.NoError(t, err)

	store.DropScanners()
	_, err = svc.Scan(ctx, &scanpb.ScanRequest{ScannerID: resp.ScannerID, RowBudget: 1})
	var lease *scanpb.LeaseExpiredError
	require.ErrorAs(t, err, &lease)
	require.Equal(t, resp.ScannerID, lease.ScannerID)
}
