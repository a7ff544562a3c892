// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package retry provides an exponential-backoff retry loop.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/rangescan/pkg/util/timeutil"
)

// Options provides reusable configuration of Retry objects.
type Options struct {
	InitialBackoff      time.Duration // default retry backoff interval
	MaxBackoff          time.Duration // maximum retry backoff interval
	Multiplier          float64       // default backoff constant
	RandomizationFactor float64       // randomize the backoff interval by constant
	// MaxRetries is the maximum number of retries; attempts = MaxRetries + 1.
	// Zero means retry indefinitely (until the context is done).
	MaxRetries int
	// Closer, if set, terminates the loop when closed.
	Closer <-chan struct{}
}

// Retry implements the public methods necessary to control an exponential-
// backoff retry loop.
type Retry struct {
	opts           Options
	ctx            context.Context
	currentAttempt int
	isReset        bool
}

// Start returns a new Retry initialized to some default values. The Retry can
// then be used in an exponential-backoff retry loop.
func Start(opts Options) Retry {
	return StartWithCtx(context.Background(), opts)
}

// StartWithCtx returns a new Retry initialized to some default values. The
// Retry can then be used in an exponential-backoff retry loop. If the
// provided context is canceled, the retry loop ends early.
func StartWithCtx(ctx context.Context, opts Options) Retry {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.RandomizationFactor == 0 {
		opts.RandomizationFactor = 0.15
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 2
	}

	r := Retry{opts: opts, ctx: ctx}
	r.Reset()
	return r
}

// Reset resets the Retry to its initial state, meaning that the next call to
// Next will return true immediately and subsequent calls will behave as if
// they had followed the very first attempt (i.e. their backoffs will be
// short).
func (r *Retry) Reset() {
	select {
	case <-r.opts.Closer:
		// When the closer has fired, you can't keep going.
		return
	case <-r.ctx.Done():
		return
	default:
	}
	r.currentAttempt = 0
	r.isReset = true
}

// CurrentAttempt returns the zero-based attempt index.
func (r *Retry) CurrentAttempt() int {
	return r.currentAttempt
}

func (r *Retry) retryIn() time.Duration {
	backoff := float64(r.opts.InitialBackoff)
	for i := 0; i < r.currentAttempt; i++ {
		backoff *= r.opts.Multiplier
	}
	if maxBackoff := float64(r.opts.MaxBackoff); backoff > maxBackoff {
		backoff = maxBackoff
	}

	// Add a random amount of jitter to the backoff interval.
	delta := r.opts.RandomizationFactor * backoff
	return time.Duration(backoff - delta + rand.Float64()*(2*delta))
}

// Next returns whether the retry loop should continue, and blocks for the
// appropriate length of time before yielding back to the caller.
//
// Next is positioned to run once per loop iteration, and as such, is expected
// to be used in a for-loop construct like:
//
//	for r := retry.StartWithCtx(ctx, opts); r.Next(); {
//	    // [...]
//	}
func (r *Retry) Next() bool {
	if r.isReset {
		r.isReset = false
		return true
	}

	if r.opts.MaxRetries > 0 && r.currentAttempt >= r.opts.MaxRetries {
		return false
	}

	var t timeutil.Timer
	t.Reset(r.retryIn())
	defer t.Stop()
	select {
	case <-t.C:
		t.Read = true
		r.currentAttempt++
		return true
	case <-r.opts.Closer:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// NextCh returns a channel which will receive when the next retry interval
// has expired.
func (r *Retry) NextCh() <-chan time.Time {
	if r.isReset {
		r.isReset = false
		ch := make(chan time.Time, 1)
		ch <- timeutil.Now()
		return ch
	}
	r.currentAttempt++
	if r.opts.MaxRetries > 0 && r.currentAttempt > r.opts.MaxRetries {
		return nil
	}
	return time.After(r.retryIn())
}
