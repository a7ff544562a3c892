// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	testCases := []struct {
		err         error
		retryable   bool
		overloaded  bool
		regionMoved bool
		doNotRetry  bool
	}{
		{&NotServingRegionError{RegionID: 1}, true, false, false, false},
		{&LeaseExpiredError{ScannerID: 7}, true, false, false, false},
		{&ServerOverloadedError{Host: "n1"}, true, true, false, false},
		{NewSendError(errors.New("conn reset")), true, false, false, false},
		{&RegionMovedError{RegionID: 1}, false, false, true, false},
		{&InternalError{Message: "boom"}, true, false, false, false},
		{&InternalError{Message: "boom", DoNotRetry: true}, false, false, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			require.Equal(t, tc.retryable, IsRetryable(tc.err))
			require.Equal(t, tc.overloaded, IsOverloaded(tc.err))
			require.Equal(t, tc.regionMoved, IsRegionMoved(tc.err))
			require.Equal(t, tc.doNotRetry, IsDoNotRetry(tc.err))
		})
	}
}

func TestClassificationThroughWrapping(t *testing.T) {
	err := errors.Wrap(&ServerOverloadedError{Host: "n2"}, "continue scan")
	require.True(t, IsRetryable(err))
	require.True(t, IsOverloaded(err))

	err = errors.Wrap(&InternalError{Message: "bad", DoNotRetry: true}, "open")
	require.True(t, IsDoNotRetry(err))
	require.False(t, IsRetryable(err))
}
