// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package metric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	c := NewCounter(Metadata{Name: "scan.rpc.calls", Help: "RPCs issued"})
	require.Zero(t, c.Value())
	c.Inc(1)
	c.Inc(9)
	require.Equal(t, int64(10), c.Value())
}

func TestRegistryEachOrdered(t *testing.T) {
	r := NewRegistry()
	b := NewCounter(Metadata{Name: "b"})
	a := NewCounter(Metadata{Name: "a"})
	r.AddMetric(b)
	r.AddMetric(a)
	a.Inc(1)
	b.Inc(2)

	var names []string
	var values []int64
	r.Each(func(name string, value int64) {
		names = append(names, name)
		values = append(values, value)
	})
	require.Equal(t, []string{"a", "b"}, names)
	require.Equal(t, []int64{1, 2}, values)
}
