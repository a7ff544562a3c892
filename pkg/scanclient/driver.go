// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/cockroachdb/rangescan/pkg/rangecache"
	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/log"
)

// Locator resolves the region containing a key and evicts stale entries. It
// is implemented by rangecache.Cache.
type Locator interface {
	LookupRegion(ctx context.Context, table string, key scanpb.Key) (rangecache.RegionLocations, error)
	Evict(ctx context.Context, desc scanpb.RegionDescriptor)
}

var _ Locator = (*rangecache.Cache)(nil)

// scanState is the driver's position in the scan lifecycle. Every scan moves
// stateIdle → stateLocating → stateOpening → statePulling, then either loops
// back to stateLocating for the next region or terminates in stateCompleted
// or stateFailed.
type scanState int

const (
	stateIdle scanState = iota
	stateLocating
	stateOpening
	statePulling
	stateCompleted
	stateFailed
)

func (s scanState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLocating:
		return "locating-region"
	case stateOpening:
		return "opening-cursor"
	case statePulling:
		return "pulling"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scanner drives one scan from start key to stop key, region by region,
// pushing results at the given Consumer. All scan work runs on a single
// goroutine (the caller's under Run, a spawned one under Start), so the
// Consumer never sees concurrent calls.
type Scanner struct {
	cfg      Config
	scan     Scan
	locator  Locator
	dialer   Dialer
	consumer Consumer
	metrics  *ScanMetrics
	cache    resultCache

	state scanState
	pos   scanPosition
	// locs is the location set resolved by the locating step, primary first,
	// already filtered to the replicas the scan's consistency level allows.
	locs []scanpb.RegionInfo
	cur  cursor
	// openAttempt counts locate+open rounds since the last successful open.
	openAttempt int
	// relocations counts consecutive reopen rounds that made no progress,
	// e.g. a region reporting itself moved before any row was accepted.
	relocations int
	finalErr    error
}

// NewScanner prepares a scan over the given span. The scan does not start
// until Run or Start is called, exactly once.
func NewScanner(
	cfg Config, locator Locator, dialer Dialer, scan Scan, consumer Consumer,
) (*Scanner, error) {
	norm, err := scan.normalize()
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		cfg:      cfg.withDefaults(),
		scan:     norm,
		locator:  locator,
		dialer:   dialer,
		consumer: consumer,
		state:    stateIdle,
	}
	if norm.MetricsEnabled {
		s.metrics = newScanMetrics(norm.MetricsByRegionEnabled)
	}
	s.cache = newResultCache(&s.scan)
	return s, nil
}

// Metrics returns the scan's metrics, nil unless the scan enabled them.
func (s *Scanner) Metrics() *ScanMetrics { return s.metrics }

// Start runs the scan on its own goroutine and returns immediately. The
// Consumer hears about the outcome.
func (s *Scanner) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run drives the scan to termination on the calling goroutine. Exactly one
// of Consumer.OnComplete or Consumer.OnError is invoked before Run returns.
func (s *Scanner) Run(ctx context.Context) {
	ctx = logtags.AddTag(ctx, "scan", s.scan.Table)
	span := s.cfg.Tracer.StartSpan("scan")
	span.SetTag("table", s.scan.Table)
	ctx = opentracing.ContextWithSpan(ctx, span)
	defer span.Finish()

	if s.metrics != nil {
		if ac, ok := s.consumer.(AdvancedConsumer); ok {
			ac.OnScanMetricsCreated(s.metrics)
		}
	}

	for s.step(ctx) {
	}

	switch s.state {
	case stateCompleted:
		for _, rows := range s.cache.flush() {
			s.metrics.countRows(rows)
			if !s.consumer.OnNext(rows) {
				break
			}
		}
		log.VEventf(ctx, 1, "scan completed")
		s.consumer.OnComplete()
	case stateFailed:
		ext.Error.Set(span, true)
		span.LogKV("error", s.finalErr.Error())
		log.Errorf(ctx, "scan failed: %v", s.finalErr)
		s.consumer.OnError(s.finalErr)
	}
}

// step executes one state transition and reports whether the scan should
// keep stepping.
func (s *Scanner) step(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return s.fail(err)
	}
	log.VEventf(ctx, 3, "scan state %s at %s", s.state, s.pos.key)

	switch s.state {
	case stateIdle:
		s.pos = s.scan.initialPosition()
		s.metrics.countRegion()
		s.state = stateLocating
		return true

	case stateLocating:
		loc, err := s.locator.LookupRegion(ctx, s.scan.Table, s.pos.key)
		if err != nil {
			return s.fail(err)
		}
		locs := loc.Replicas
		if s.scan.Consistency == scanpb.Strong {
			locs = locs[:1]
		}
		s.locs = locs
		// Per-region counters rotate before the open so that open RPCs and
		// their retries are charged to the region being opened.
		s.metrics.setCurrentRegion(locs[0].Desc.RegionID)
		s.state = stateOpening
		return true

	case stateOpening:
		s.openAttempt++
		cur, err := s.openCursor(ctx, s.locs, s.pos, s.openAttempt)
		if err == nil {
			s.cur = cur
			s.openAttempt = 0
			s.state = statePulling
			return true
		}
		if scanpb.IsRegionMoved(err) {
			s.locator.Evict(ctx, s.locs[0].Desc)
		} else if !scanpb.IsRetryable(err) {
			return s.fail(err)
		}
		if waitErr := s.waitBeforeReopen(ctx, err); waitErr != nil {
			return s.fail(waitErr)
		}
		s.state = stateLocating
		return true

	case statePulling:
		puller := newRegionPuller(
			s.cfg, &s.scan, s.cur, s.cache, s.consumer, s.metrics, s.pos)
		res := puller.pull(ctx)
		switch res.outcome {
		case pullComplete:
			s.state = stateCompleted
			return false
		case pullFailed:
			return s.fail(res.err)
		default:
			if res.evict {
				s.locator.Evict(ctx, s.cur.loc.Desc)
			}
			// Reopens that made no progress are budgeted and paused like any
			// other retry: a region that reports itself moved on every call
			// would otherwise relocate forever.
			if res.err != nil && res.pos.key.Equal(s.pos.key) &&
				res.pos.inclusive == s.pos.inclusive {
				s.relocations++
				if waitErr := pauseBeforeRetry(
					ctx, s.cfg, res.err, s.relocations+1, time.Time{},
					"relocating "+s.cur.loc.Desc.String(),
				); waitErr != nil {
					return s.fail(waitErr)
				}
			} else {
				s.relocations = 0
			}
			s.pos = res.pos
			s.metrics.countRegion()
			s.state = stateLocating
			return true
		}

	default:
		return s.fail(errors.AssertionFailedf("scan stepped in state %s", s.state))
	}
}

// waitBeforeReopen pauses between locate+open rounds, failing once the open
// step's attempt budget is exhausted.
func (s *Scanner) waitBeforeReopen(ctx context.Context, cause error) error {
	return pauseBeforeRetry(
		ctx, s.cfg, cause, s.openAttempt+1, time.Time{}, "opening scanner")
}

func (s *Scanner) fail(err error) bool {
	s.finalErr = err
	s.state = stateFailed
	return false
}
