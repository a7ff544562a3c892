// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package metric provides increment-only counters and a registry for
// exposing them to external reporting systems.
package metric

import "sync/atomic"

// Metadata holds metadata about a metric. It must be embedded in each metric
// object.
type Metadata struct {
	Name string
	Help string
}

// GetName returns the metric's name.
func (m Metadata) GetName() string { return m.Name }

// GetHelp returns the metric's help text.
func (m Metadata) GetHelp() string { return m.Help }

// Iterable provides a method for synchronized access to interior objects.
type Iterable interface {
	// GetName returns the fully-qualified name of the metric.
	GetName() string
	// Value returns the metric's current value.
	Value() int64
}

// A Counter holds a single mutable atomic value.
type Counter struct {
	Metadata
	count int64
}

// NewCounter creates a counter.
func NewCounter(metadata Metadata) *Counter {
	return &Counter{Metadata: metadata}
}

// Inc atomically increments the counter by i. Decrements are not supported;
// counters only go up.
func (c *Counter) Inc(i int64) {
	atomic.AddInt64(&c.count, i)
}

// Value returns the counter's current value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.count)
}

var _ Iterable = (*Counter)(nil)
