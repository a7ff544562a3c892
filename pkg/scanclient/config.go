// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanclient

import (
	"time"

	opentracing "github.com/opentracing/opentracing-go"
)

// Config carries the retry, pause and timeout policy shared by the open and
// pull steps of a scan. The zero value is usable; zero fields assume the
// defaults below.
type Config struct {
	// MaxAttempts bounds the attempts of one logical step (opening a cursor
	// at a position, or continuing from a position). The budget resets
	// whenever a step makes progress.
	MaxAttempts int
	// Pause is the base wait between retries of a failed RPC.
	Pause time.Duration
	// PauseForOverloaded is the longer wait used when the server signalled
	// that it is shedding load.
	PauseForOverloaded time.Duration
	// RPCTimeout bounds each individual RPC.
	RPCTimeout time.Duration
	// ScanTimeout bounds the pull phase of one region, retries included.
	// Zero means no bound.
	ScanTimeout time.Duration
	// PrimaryTimeout is how long the open step waits for the primary before
	// racing replica opens, under timeline-consistent reads.
	PrimaryTimeout time.Duration
	// Tracer receives the per-scan span. Nil uses the global tracer (a no-op
	// unless one was installed).
	Tracer opentracing.Tracer
}

const (
	defaultMaxAttempts        = 10
	defaultPause              = 100 * time.Millisecond
	defaultPauseForOverloaded = 1 * time.Second
	defaultRPCTimeout         = 10 * time.Second
	defaultPrimaryTimeout     = 1 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Pause == 0 {
		c.Pause = defaultPause
	}
	if c.PauseForOverloaded == 0 {
		c.PauseForOverloaded = defaultPauseForOverloaded
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.PrimaryTimeout == 0 {
		c.PrimaryTimeout = defaultPrimaryTimeout
	}
	if c.Tracer == nil {
		c.Tracer = opentracing.GlobalTracer()
	}
	return c
}
