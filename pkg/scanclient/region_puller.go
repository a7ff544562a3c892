// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/log"
	"github.com/cockroachdb/rangescan/pkg/util/timeutil"
)

// cursor is an open server-side scanner on one region, together with the
// connection that opened it. Continue RPCs must go to the same host.
type cursor struct {
	scannerID uint64
	leaseTTL  time.Duration
	client    scanpb.ScanService
	loc       scanpb.RegionInfo
	// firstBatch is the batch piggybacked on the open response.
	firstBatch scanpb.RowBatch
}

type pullOutcome int

const (
	// pullMoreRegions: this region is done with it, but the scan continues
	// at pullResult.pos, after re-resolving the location (and evicting the
	// stale one if requested).
	pullMoreRegions pullOutcome = iota
	// pullComplete: the scan delivered its last row, or the consumer asked
	// to stop.
	pullComplete
	// pullFailed: terminal error in pullResult.err.
	pullFailed
)

type pullResult struct {
	outcome pullOutcome
	pos     scanPosition
	evict   bool
	// err is the terminal error for pullFailed, or the interrupting cause
	// for pullMoreRegions. Nil on a clean advance to the next region.
	err error
}

// regionPuller drains one open cursor: it delivers the open response's batch,
// then issues continue RPCs until the region is exhausted, the consumer
// stops, or an error interrupts the region. Transient per-call failures are
// retried in place; a moved region or a lost lease hands control back to the
// driver to reopen at the resume position.
type regionPuller struct {
	cfg      Config
	scan     *Scan
	cur      cursor
	cache    resultCache
	consumer Consumer
	metrics  *ScanMetrics
	// openedAt is the position the cursor was opened at, the resume fallback
	// if the region is interrupted before any row was accepted.
	openedAt scanPosition
	// deadline bounds this region's pull, retries included. Zero means
	// unbounded.
	deadline time.Time
}

func newRegionPuller(
	cfg Config,
	scan *Scan,
	cur cursor,
	cache resultCache,
	consumer Consumer,
	metrics *ScanMetrics,
	openedAt scanPosition,
) *regionPuller {
	p := &regionPuller{
		cfg:      cfg,
		scan:     scan,
		cur:      cur,
		cache:    cache,
		consumer: consumer,
		metrics:  metrics,
		openedAt: openedAt,
	}
	if cfg.ScanTimeout > 0 {
		p.deadline = timeutil.Now().Add(cfg.ScanTimeout)
	}
	return p
}

func (p *regionPuller) pull(ctx context.Context) pullResult {
	stopped, err := p.deliver(p.cache.add(p.cur.firstBatch))
	if err != nil {
		return p.fail(ctx, err)
	}
	if stopped {
		p.closeCursor(ctx)
		return pullResult{outcome: pullComplete}
	}

	more := p.cur.firstBatch.MoreInRegion
	for attempt := 1; more; {
		p.metrics.countRPC(p.cur.loc.Remote, attempt)
		resp, err := p.callScan(ctx)
		if err != nil {
			if scanpb.IsRegionMoved(err) || errors.HasType(err, (*scanpb.LeaseExpiredError)(nil)) {
				log.VEventf(ctx, 2, "scan of %s interrupted, reopening: %v", p.cur.loc.Desc, err)
				return pullResult{
					outcome: pullMoreRegions,
					pos:     p.cache.resumeFrom(p.openedAt),
					evict:   scanpb.IsRegionMoved(err),
					err:     err,
				}
			}
			if !scanpb.IsRetryable(err) {
				return p.fail(ctx, err)
			}
			attempt++
			if waitErr := p.waitForRetry(ctx, err, attempt); waitErr != nil {
				return p.fail(ctx, waitErr)
			}
			continue
		}
		attempt = 1

		stopped, err := p.deliver(p.cache.add(resp.Batch))
		if err != nil {
			return p.fail(ctx, err)
		}
		if stopped {
			p.closeCursor(ctx)
			return pullResult{outcome: pullComplete}
		}
		more = resp.Batch.MoreInRegion
	}

	if err := p.cache.regionExhausted(); err != nil {
		return p.fail(ctx, err)
	}
	p.closeCursor(ctx)
	if !moreRegionsExist(p.cur.loc.Desc, p.scan) {
		return pullResult{outcome: pullComplete}
	}
	return pullResult{
		outcome: pullMoreRegions,
		pos:     scanPosition{key: p.cur.loc.Desc.EndKey, inclusive: true},
	}
}

// deliver pushes row groups at the consumer. A false return from OnNext stops
// the scan at that group; later groups stay undelivered.
func (p *regionPuller) deliver(groups [][]scanpb.Row, err error) (stopped bool, _ error) {
	if err != nil {
		return false, err
	}
	for _, rows := range groups {
		p.metrics.countRows(rows)
		if !p.consumer.OnNext(rows) {
			return true, nil
		}
	}
	return false, nil
}

func (p *regionPuller) callScan(ctx context.Context) (*scanpb.ScanResponse, error) {
	timeout := p.cfg.RPCTimeout
	if !p.deadline.IsZero() {
		if remaining := timeutil.Until(p.deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, errors.Newf("scan of %s timed out after %s", p.cur.loc.Desc, p.cfg.ScanTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.cur.client.Scan(ctx, &scanpb.ScanRequest{
		ScannerID: p.cur.scannerID,
		RowBudget: p.scan.Caching,
	})
}

// waitForRetry sleeps before attempt, renewing the cursor lease first when
// the sleep would eat a large share of it. It fails when the attempt budget
// or the region deadline is exhausted.
func (p *regionPuller) waitForRetry(ctx context.Context, cause error, attempt int) error {
	if p.cur.leaseTTL > 0 && retryPause(p.cfg, cause) > p.cur.leaseTTL/2 {
		p.renewLease(ctx)
	}
	return pauseBeforeRetry(
		ctx, p.cfg, cause, attempt, p.deadline, "scan of "+p.cur.loc.Desc.String())
}

// retryPause returns the policy pause for retrying after cause.
func retryPause(cfg Config, cause error) time.Duration {
	if scanpb.IsOverloaded(cause) {
		return cfg.PauseForOverloaded
	}
	return cfg.Pause
}

// pauseBeforeRetry sleeps the policy pause before retry number attempt of the
// named step. It fails instead when the step's attempt budget is spent, when
// the deadline would pass mid-pause, or when ctx is done.
func pauseBeforeRetry(
	ctx context.Context,
	cfg Config,
	cause error,
	attempt int,
	deadline time.Time,
	what string,
) error {
	if attempt > cfg.MaxAttempts {
		return errors.Wrapf(cause, "%s exhausted %d attempts", what, cfg.MaxAttempts)
	}
	pause := retryPause(cfg, cause)
	if !deadline.IsZero() && timeutil.Now().Add(pause).After(deadline) {
		return errors.Wrapf(cause, "%s timed out after %s", what, cfg.ScanTimeout)
	}
	log.VEventf(ctx, 2, "%s attempt %d failed, retrying in %s: %v",
		what, attempt-1, pause, cause)
	var timer timeutil.Timer
	defer timer.Stop()
	timer.Reset(pause)
	select {
	case <-timer.C:
		timer.Read = true
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "retrying %s", what)
	}
}

// renewLease keeps the server-side cursor alive across a long retry pause.
// Best effort: a failed renewal just lets the next continue RPC surface the
// lease error.
func (p *regionPuller) renewLease(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RPCTimeout)
	defer cancel()
	if _, err := p.cur.client.Scan(ctx, &scanpb.ScanRequest{
		ScannerID: p.cur.scannerID,
		Renew:     true,
	}); err != nil {
		log.VEventf(ctx, 2, "renewing lease of scanner %d on %s: %v",
			p.cur.scannerID, p.cur.loc.Desc, err)
	}
}

// closeCursor releases the server-side cursor. Best effort: lease expiry is
// the backstop, so failures are only logged. Runs even when the scan's
// context is already cancelled.
func (p *regionPuller) closeCursor(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RPCTimeout)
	defer cancel()
	if _, err := p.cur.client.Scan(ctx, &scanpb.ScanRequest{
		ScannerID: p.cur.scannerID,
		Close:     true,
	}); err != nil {
		log.VEventf(ctx, 2, "closing scanner %d on %s: %v",
			p.cur.scannerID, p.cur.loc.Desc, err)
	}
}

func (p *regionPuller) fail(ctx context.Context, err error) pullResult {
	p.closeCursor(ctx)
	return pullResult{outcome: pullFailed, err: err}
}
