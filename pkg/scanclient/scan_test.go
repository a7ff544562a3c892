// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/leaktest"
)

func TestScanNormalize(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s, err := Scan{Table: "t"}.normalize()
	require.NoError(t, err)
	require.Equal(t, DefaultCaching, s.Caching)

	s, err = Scan{Table: "t", MetricsByRegionEnabled: true}.normalize()
	require.NoError(t, err)
	require.True(t, s.MetricsEnabled)

	// A single-key span is only valid when both ends include the key.
	_, err = Scan{Table: "t", StartKey: scanpb.Key("a"), StopKey: scanpb.Key("a")}.normalize()
	require.Error(t, err)
	_, err = Scan{Table: "t", StartKey: scanpb.Key("a"), StopKey: scanpb.Key("a"),
		StopInclusive: true}.normalize()
	require.NoError(t, err)

	_, err = Scan{}.normalize()
	require.Error(t, err)
	_, err = Scan{Table: "t", Caching: -1}.normalize()
	require.Error(t, err)
}

func TestMoreRegionsExist(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mid := scanpb.RegionDescriptor{RegionID: 1, Table: "t",
		StartKey: scanpb.Key("c"), EndKey: scanpb.Key("m")}
	last := scanpb.RegionDescriptor{RegionID: 2, Table: "t", StartKey: scanpb.Key("m")}

	for _, tc := range []struct {
		desc scanpb.RegionDescriptor
		scan Scan
		want bool
	}{
		{last, Scan{}, false},
		{mid, Scan{}, true},
		{mid, Scan{StopKey: scanpb.Key("z")}, true},
		// The stop key falls inside this region.
		{mid, Scan{StopKey: scanpb.Key("g")}, false},
		// The stop key is exactly the region boundary: only an inclusive stop
		// needs the next region's first row.
		{mid, Scan{StopKey: scanpb.Key("m")}, false},
		{mid, Scan{StopKey: scanpb.Key("m"), StopInclusive: true}, true},
	} {
		require.Equal(t, tc.want, moreRegionsExist(tc.desc, &tc.scan),
			"desc=%s stop=%s incl=%t", tc.desc, tc.scan.StopKey, tc.scan.StopInclusive)
	}
}
