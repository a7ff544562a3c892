// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"context"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/log"
	"github.com/cockroachdb/rangescan/pkg/util/timeutil"
)

// Dialer hands out connections to region hosts. Implementations are expected
// to pool connections; the scan client never closes what Dial returns.
type Dialer interface {
	Dial(ctx context.Context, host string) (scanpb.ScanService, error)
}

type openAttempt struct {
	cur cursor
	err error
}

// openCursor opens a scanner at pos on one of locs, primary first. When more
// than one location is eligible, the primary gets a head start of
// cfg.PrimaryTimeout before the next replica is also tried, and so on down
// the list; the first successful open wins. Slower attempts are not
// cancelled, their completions are simply discarded and any cursor they
// opened lapses with its lease.
func (s *Scanner) openCursor(
	ctx context.Context, locs []scanpb.RegionInfo, pos scanPosition, attempt int,
) (cursor, error) {
	if len(locs) == 1 {
		return s.tryOpen(ctx, locs[0], pos, attempt)
	}

	done := make(chan openAttempt, len(locs))
	launch := func(loc scanpb.RegionInfo, a int) {
		go func() {
			cur, err := s.tryOpen(ctx, loc, pos, a)
			done <- openAttempt{cur: cur, err: err}
		}()
	}
	launch(locs[0], attempt)
	next := 1
	pending := 1

	var timer timeutil.Timer
	defer timer.Stop()
	timer.Reset(s.cfg.PrimaryTimeout)

	var errs []error
	for {
		select {
		case res := <-done:
			pending--
			if res.err == nil {
				return res.cur, nil
			}
			errs = append(errs, res.err)
			if next < len(locs) {
				log.VEventf(ctx, 2, "open on %s failed, trying %s: %v",
					locs[next-1].Host, locs[next].Host, res.err)
				launch(locs[next], 1)
				next++
				pending++
			} else if pending == 0 {
				return cursor{}, representativeOpenError(errs)
			}
		case <-timer.C:
			timer.Read = true
			if next < len(locs) {
				log.VEventf(ctx, 2, "open on %s slow, also trying %s",
					locs[next-1].Host, locs[next].Host)
				launch(locs[next], 1)
				next++
				pending++
				timer.Reset(s.cfg.PrimaryTimeout)
			}
		case <-ctx.Done():
			return cursor{}, ctx.Err()
		}
	}
}

// representativeOpenError picks the error that should steer the retry
// decision when every location failed: a region move trumps everything (the
// whole location set is stale), then any non-retryable error, then the first
// failure seen.
func representativeOpenError(errs []error) error {
	for _, err := range errs {
		if scanpb.IsRegionMoved(err) {
			return err
		}
	}
	for _, err := range errs {
		if !scanpb.IsRetryable(err) {
			return err
		}
	}
	return errs[0]
}

// tryOpen issues one OpenScanner RPC against loc.
func (s *Scanner) tryOpen(
	ctx context.Context, loc scanpb.RegionInfo, pos scanPosition, attempt int,
) (cursor, error) {
	s.metrics.countRPC(loc.Remote, attempt)
	client, err := s.dialer.Dial(ctx, loc.Host)
	if err != nil {
		// A host we cannot reach is indistinguishable from a dropped packet;
		// surface it as a retryable send failure.
		return cursor{}, scanpb.NewSendError(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	resp, err := client.OpenScanner(ctx, &scanpb.OpenScannerRequest{
		Region:         loc.Desc.RegionID,
		Table:          s.scan.Table,
		StartKey:       pos.key,
		StartInclusive: pos.inclusive,
		StopKey:        s.scan.StopKey,
		StopInclusive:  s.scan.StopInclusive,
		RowBudget:      s.scan.Caching,
		Priority:       s.scan.Priority,
		Attributes:     s.scan.Attributes,
	})
	if err != nil {
		return cursor{}, err
	}
	return cursor{
		scannerID:  resp.ScannerID,
		leaseTTL:   resp.LeaseTTL,
		client:     client,
		loc:        loc,
		firstBatch: resp.Batch,
	}, nil
}
