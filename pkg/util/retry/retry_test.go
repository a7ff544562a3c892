// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryExceedsMaxRetries(t *testing.T) {
	opts := Options{
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Microsecond,
		Multiplier:     2,
		MaxRetries:     3,
	}

	var attempts int
	for r := Start(opts); r.Next(); attempts++ {
	}
	// Initial attempt plus MaxRetries retries.
	require.Equal(t, 4, attempts)
}

func TestRetryReset(t *testing.T) {
	opts := Options{
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Microsecond,
		Multiplier:     2,
		MaxRetries:     1,
	}

	// Reset grants an immediate-true Next plus a fresh MaxRetries budget, on
	// top of the two attempts already made.
	expAttempts := 4
	var attempts int
	for r := Start(opts); r.Next(); attempts++ {
		if attempts == 1 {
			r.Reset()
		}
	}
	require.Equal(t, expAttempts, attempts)
}

func TestRetryStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
	}

	r := StartWithCtx(ctx, opts)
	require.True(t, r.Next(), "first attempt should not block")
	cancel()
	require.False(t, r.Next())
}

func TestRetryStopsOnCloser(t *testing.T) {
	closer := make(chan struct{})
	opts := Options{
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		Closer:         closer,
	}

	r := Start(opts)
	require.True(t, r.Next())
	close(closer)
	require.False(t, r.Next())
}
