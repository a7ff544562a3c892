// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package metric

import (
	"sort"

	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

// A Registry bundles up various metrics to provide a single point of access
// to them. Metric names must be unique within a registry.
type Registry struct {
	syncutil.Mutex
	tracked map[string]Iterable
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tracked: map[string]Iterable{}}
}

// AddMetric adds the passed-in metric to the registry.
func (r *Registry) AddMetric(metric Iterable) {
	r.Lock()
	defer r.Unlock()
	r.tracked[metric.GetName()] = metric
}

// Each calls the given closure for all metrics, in name order.
func (r *Registry) Each(fn func(name string, value int64)) {
	r.Lock()
	defer r.Unlock()
	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn(name, r.tracked[name].Value())
	}
}
