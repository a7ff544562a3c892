// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangescan/pkg/rangecache"
	"github.com/cockroachdb/rangescan/pkg/rpc"
	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/testutils/teststore"
	"github.com/cockroachdb/rangescan/pkg/util/leaktest"
)

// testConsumer records everything the scan pushes at it.
type testConsumer struct {
	// onNext, when set, decides whether to continue after each batch.
	onNext    func(rows []scanpb.Row) bool
	batches   [][]scanpb.Row
	err       error
	completes int
	errCalls  int
	metrics   *ScanMetrics
}

var _ AdvancedConsumer = (*testConsumer)(nil)

func (c *testConsumer) OnNext(rows []scanpb.Row) bool {
	c.batches = append(c.batches, append([]scanpb.Row(nil), rows...))
	if c.onNext != nil {
		return c.onNext(rows)
	}
	return true
}

func (c *testConsumer) OnError(err error) { c.err = err; c.errCalls++ }

func (c *testConsumer) OnComplete() { c.completes++ }

func (c *testConsumer) OnScanMetricsCreated(m *ScanMetrics) { c.metrics = m }

func (c *testConsumer) keys() []string {
	var keys []string
	for _, rows := range c.batches {
		for _, r := range rows {
			keys = append(keys, string(r.Key))
		}
	}
	return keys
}

func (c *testConsumer) requireCompleted(t *testing.T) {
	t.Helper()
	require.NoError(t, c.err)
	require.Equal(t, 1, c.completes)
	require.Equal(t, 0, c.errCalls)
}

func (c *testConsumer) requireFailed(t *testing.T) error {
	t.Helper()
	require.Equal(t, 0, c.completes)
	require.Equal(t, 1, c.errCalls)
	require.Error(t, c.err)
	return c.err
}

func testScanConfig() Config {
	return Config{
		MaxAttempts:        3,
		Pause:              time.Millisecond,
		PauseForOverloaded: 5 * time.Millisecond,
		RPCTimeout:         time.Second,
		PrimaryTimeout:     5 * time.Millisecond,
	}
}

// seedStore builds the three-region store used throughout: rows a,b in r1,
// c,d in r2 and m,n in r3.
func seedStore() *teststore.Store {
	store := teststore.New("t", "c", "m")
	for _, k := range []string{"a", "b", "c", "d", "m", "n"} {
		store.Put(k, "c1", []byte("v-"+k))
	}
	return store
}

func runScan(
	t *testing.T, store *teststore.Store, cfg Config, scan Scan, consumer Consumer,
) {
	t.Helper()
	s, err := NewScanner(cfg, rangecache.New(store), store, scan, consumer)
	require.NoError(t, err)
	s.Run(context.Background())
}

func TestScanAllRegions(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t"}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	// Each region's rows arrive as one batch, at region boundaries.
	require.Len(t, consumer.batches, 3)
	// Cursors were closed, not leaked to the lease backstop.
	require.Equal(t, 0, store.OpenScannerCount())
}

func TestScanSpanBounds(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()

	for _, tc := range []struct {
		name string
		scan Scan
		want []string
	}{
		{"closed-open", Scan{Table: "t", StartKey: scanpb.Key("b"), StopKey: scanpb.Key("m")},
			[]string{"b", "c", "d"}},
		{"start-exclusive", Scan{Table: "t", StartKey: scanpb.Key("b"), StartExclusive: true,
			StopKey: scanpb.Key("m")}, []string{"c", "d"}},
		{"stop-inclusive", Scan{Table: "t", StartKey: scanpb.Key("c"), StopKey: scanpb.Key("m"),
			StopInclusive: true}, []string{"c", "d", "m"}},
		{"unbounded-start", Scan{Table: "t", StopKey: scanpb.Key("c")}, []string{"a", "b"}},
		{"unbounded-stop", Scan{Table: "t", StartKey: scanpb.Key("d")}, []string{"d", "m", "n"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			consumer := &testConsumer{}
			runScan(t, store, testScanConfig(), tc.scan, consumer)
			consumer.requireCompleted(t)
			require.Equal(t, tc.want, consumer.keys())
		})
	}
}

func TestScanRejectsBadSpecs(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	cache := rangecache.New(store)

	_, err := NewScanner(testScanConfig(), cache, store, Scan{}, &testConsumer{})
	require.Error(t, err)

	_, err = NewScanner(testScanConfig(), cache, store,
		Scan{Table: "t", StartKey: scanpb.Key("m"), StopKey: scanpb.Key("c")}, &testConsumer{})
	require.Error(t, err)
}

func TestScanRetriesTransientErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1", &scanpb.NotServingRegionError{RegionID: 1})
	consumer := &testConsumer{}

	cfg := testScanConfig()
	runScan(t, store, cfg, Scan{Table: "t", Caching: 1, MetricsEnabled: true}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	require.Equal(t, int64(1), consumer.metrics.RPCRetries.Value())
}

func TestScanOverloadedUsesLongerPause(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1", &scanpb.ServerOverloadedError{Host: "s1"})
	consumer := &testConsumer{}

	cfg := testScanConfig()
	cfg.PauseForOverloaded = 30 * time.Millisecond

	start := time.Now()
	runScan(t, store, cfg, Scan{Table: "t", Caching: 1}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	require.GreaterOrEqual(t, time.Since(start), cfg.PauseForOverloaded)
}

func TestScanRetriesOpenErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectOpenError("s2", &scanpb.NotServingRegionError{RegionID: 2})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t", MetricsEnabled: true}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	require.Equal(t, int64(1), consumer.metrics.RPCRetries.Value())
	// The failed open does not count as an extra region visit.
	require.Equal(t, int64(3), consumer.metrics.RegionsScanned.Value())
}

func TestScanRetriesDialFailures(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectDialError("s1", errors.New("connection refused"))
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t"}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
}

func TestScanFollowsMovedRegion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{}
	moved := false
	consumer.onNext = func(rows []scanpb.Row) bool {
		if !moved && string(rows[len(rows)-1].Key) == "c" {
			moved = true
			store.Move(2, "s9")
		}
		return true
	}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Caching: 1, MetricsEnabled: true}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	// r1, r2, r2 again after the move, r3.
	require.Equal(t, int64(4), consumer.metrics.RegionsScanned.Value())
	opens, _ := store.CallCounts("s9")
	require.Equal(t, 1, opens)
}

func TestScanReopensAfterLeaseExpiry(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{}
	dropped := false
	consumer.onNext = func(rows []scanpb.Row) bool {
		if !dropped {
			dropped = true
			store.DropScanners()
		}
		return true
	}

	runScan(t, store, testScanConfig(), Scan{Table: "t", Caching: 1}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
}

func TestScanConsumerStopsEarly(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{onNext: func([]scanpb.Row) bool { return false }}

	runScan(t, store, testScanConfig(), Scan{Table: "t", Caching: 2}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b"}, consumer.keys())
	// The scan stopped at the batch boundary: later regions were never
	// located, opened or scanned.
	opens, scans := store.CallCounts("s2")
	require.Zero(t, opens)
	require.Zero(t, scans)
	require.Equal(t, 0, store.OpenScannerCount())
}

func TestScanRetriesUnflaggedServerErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1", &scanpb.InternalError{Message: "transient hiccup"})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Caching: 1, MetricsEnabled: true}, consumer)

	// A server exception without the do-not-retry flag is a per-call failure.
	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	require.Equal(t, int64(1), consumer.metrics.RPCRetries.Value())
}

func TestScanDoNotRetryErrorIsTerminal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1", &scanpb.InternalError{Message: "table dropped", DoNotRetry: true})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t", Caching: 1}, consumer)

	err := consumer.requireFailed(t)
	require.True(t, scanpb.IsDoNotRetry(err))
}

func TestScanConnectionFatalErrorIsTerminal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1", &rpc.ConnectionError{Cause: errors.New("connection reset")})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t", Caching: 1}, consumer)

	err := consumer.requireFailed(t)
	require.True(t, rpc.IsConnectionFatal(err))
}

func TestScanFailsAfterAttemptsExhausted(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s1",
		&scanpb.NotServingRegionError{RegionID: 1},
		&scanpb.NotServingRegionError{RegionID: 1},
		&scanpb.NotServingRegionError{RegionID: 1},
		&scanpb.NotServingRegionError{RegionID: 1})
	consumer := &testConsumer{}

	cfg := testScanConfig()
	cfg.MaxAttempts = 2
	runScan(t, store, cfg, Scan{Table: "t", Caching: 1}, consumer)

	err := consumer.requireFailed(t)
	require.ErrorContains(t, err, "exhausted 2 attempts")
	require.True(t, errors.HasType(err, (*scanpb.NotServingRegionError)(nil)))
}

func TestScanFailsOnCancelledContext(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &testConsumer{onNext: func([]scanpb.Row) bool { cancel(); return true }}

	s, err := NewScanner(testScanConfig(), rangecache.New(store), store,
		Scan{Table: "t"}, consumer)
	require.NoError(t, err)
	s.Run(ctx)

	failErr := consumer.requireFailed(t)
	require.ErrorIs(t, failErr, context.Canceled)
}

func TestScanReassemblesSplitRows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := teststore.New("t")
	store.MaxCellsPerBatch = 2
	for _, col := range []string{"c1", "c2", "c3"} {
		store.Put("a", col, []byte("v"))
	}
	store.Put("b", "c1", []byte("v"))
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(), Scan{Table: "t"}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b"}, consumer.keys())
	// Row a was split across responses but arrives whole.
	require.Len(t, consumer.batches[0][0].Cells, 3)
}

func TestScanBatchedDelivery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Caching: 4, MaxBufferedRows: 10}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b", "c", "d", "m", "n"}, consumer.keys())
	// Batched delivery smooths region boundaries: one full group of Caching
	// rows, then the flushed remainder.
	require.Len(t, consumer.batches, 2)
	require.Len(t, consumer.batches[0], 4)
	require.Len(t, consumer.batches[1], 2)
}

func TestScanTimelineRacesReplicas(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := teststore.New("t")
	store.Put("a", "c1", []byte("v"))
	store.Put("b", "c1", []byte("v"))
	store.AddReplicas(1, "s1r")
	release := store.HoldOpens("s1")
	defer release()
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Consistency: scanpb.Timeline, MetricsEnabled: true}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a", "b"}, consumer.keys())
	// The replica won the race while the primary was held.
	require.GreaterOrEqual(t, consumer.metrics.RemoteRPCCalls.Value(), int64(1))
	opens, _ := store.CallCounts("s1r")
	require.Equal(t, 1, opens)
}

func TestScanTimelineFallsBackOnPrimaryError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := teststore.New("t")
	store.Put("a", "c1", []byte("v"))
	store.AddReplicas(1, "s1r")
	store.InjectOpenError("s1", &scanpb.NotServingRegionError{RegionID: 1})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Consistency: scanpb.Timeline}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a"}, consumer.keys())
	opens, _ := store.CallCounts("s1r")
	require.Equal(t, 1, opens)
}

func TestScanStrongReadsIgnoreReplicas(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := teststore.New("t")
	store.Put("a", "c1", []byte("v"))
	store.AddReplicas(1, "s1r")
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Consistency: scanpb.Strong}, consumer)

	consumer.requireCompleted(t)
	require.Equal(t, []string{"a"}, consumer.keys())
	opens, scans := store.CallCounts("s1r")
	require.Zero(t, opens)
	require.Zero(t, scans)
}

func TestScanMetricsAccounting(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectScanError("s2", &scanpb.NotServingRegionError{RegionID: 2})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", Caching: 1, MetricsByRegionEnabled: true}, consumer)

	consumer.requireCompleted(t)
	m := consumer.metrics
	require.NotNil(t, m)
	require.Equal(t, int64(3), m.RegionsScanned.Value())
	require.Equal(t, int64(1), m.RPCRetries.Value())
	require.Equal(t, int64(6), m.RowsScanned.Value())
	require.Greater(t, m.BytesInResults.Value(), int64(0))
	// Retries are attempts minus one: total calls exceed the minimum by
	// exactly the retry count.
	perRegion := m.RegionMetrics()
	require.Len(t, perRegion, 3)
	require.Equal(t, int64(1), perRegion[scanpb.RegionID(2)].RPCRetries.Value())
	require.Equal(t, int64(0), perRegion[scanpb.RegionID(1)].RPCRetries.Value())
}

func TestScanMetricsChargeOpenRetriesToOpeningRegion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	store.InjectOpenError("s2", &scanpb.NotServingRegionError{RegionID: 2})
	consumer := &testConsumer{}

	runScan(t, store, testScanConfig(),
		Scan{Table: "t", MetricsByRegionEnabled: true}, consumer)

	consumer.requireCompleted(t)
	perRegion := consumer.metrics.RegionMetrics()
	require.Len(t, perRegion, 3)
	// The failed open of region 2 and its retry belong to region 2's
	// counters, not to the region scanned before it.
	require.Equal(t, int64(2), perRegion[scanpb.RegionID(2)].RPCCalls.Value())
	require.Equal(t, int64(1), perRegion[scanpb.RegionID(2)].RPCRetries.Value())
	require.Equal(t, int64(1), perRegion[scanpb.RegionID(1)].RPCCalls.Value())
	require.Equal(t, int64(0), perRegion[scanpb.RegionID(1)].RPCRetries.Value())
}

// spinningRegionService opens cursors that deliver no rows and report the
// region moved on every continue call.
type spinningRegionService struct{}

func (spinningRegionService) OpenScanner(
	context.Context, *scanpb.OpenScannerRequest,
) (*scanpb.OpenScannerResponse, error) {
	return &scanpb.OpenScannerResponse{
		ScannerID: 1,
		Batch:     scanpb.RowBatch{MoreInRegion: true},
	}, nil
}

func (spinningRegionService) Scan(
	_ context.Context, req *scanpb.ScanRequest,
) (*scanpb.ScanResponse, error) {
	if req.Close {
		return &scanpb.ScanResponse{}, nil
	}
	return nil, &scanpb.RegionMovedError{RegionID: 1}
}

type staticLocator struct {
	loc rangecache.RegionLocations
}

func (l staticLocator) LookupRegion(
	context.Context, string, scanpb.Key,
) (rangecache.RegionLocations, error) {
	return l.loc, nil
}

func (staticLocator) Evict(context.Context, scanpb.RegionDescriptor) {}

type staticDialer struct {
	svc scanpb.ScanService
}

func (d staticDialer) Dial(context.Context, string) (scanpb.ScanService, error) {
	return d.svc, nil
}

func TestScanBoundsZeroProgressRelocations(t *testing.T) {
	defer leaktest.AfterTest(t)()
	locator := staticLocator{loc: rangecache.RegionLocations{
		Replicas: []scanpb.RegionInfo{{
			Desc: scanpb.RegionDescriptor{RegionID: 1, Table: "t"},
			Host: "s1",
		}},
	}}
	consumer := &testConsumer{}

	s, err := NewScanner(testScanConfig(), locator,
		staticDialer{svc: spinningRegionService{}}, Scan{Table: "t"}, consumer)
	require.NoError(t, err)
	s.Run(context.Background())

	// A region that keeps reporting itself moved without yielding a row
	// exhausts the relocation budget instead of relocating forever.
	failErr := consumer.requireFailed(t)
	require.ErrorContains(t, failErr, "exhausted")
	require.True(t, scanpb.IsRegionMoved(failErr))
}

func TestScanMetricsDisabled(t *testing.T) {
	defer leaktest.AfterTest(t)()
	store := seedStore()
	consumer := &testConsumer{}

	s, err := NewScanner(testScanConfig(), rangecache.New(store), store,
		Scan{Table: "t"}, consumer)
	require.NoError(t, err)
	s.Run(context.Background())

	consumer.requireCompleted(t)
	require.Nil(t, consumer.metrics)
	require.Nil(t, s.Metrics())
}
