// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package log provides a small leveled logger with context tags and trace
// event integration. Messages are prefixed with the tags attached to the
// context via logtags, so per-scan state (scan id, region, attempt) rides
// along without being repeated at every call site.
package log

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	opentracing "github.com/opentracing/opentracing-go"
)

var verbosity int32

var logger atomic.Value // *stdlog.Logger

func init() {
	logger.Store(stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds|stdlog.LUTC))
}

// SetVerbosity sets the global verbosity threshold for V.
func SetVerbosity(level int) {
	atomic.StoreInt32(&verbosity, int32(level))
}

// SetOutput redirects log output, returning a function restoring the previous
// destination. Used by tests.
func SetOutput(w io.Writer) func() {
	old := logger.Load().(*stdlog.Logger)
	logger.Store(stdlog.New(w, "", 0))
	return func() { logger.Store(old) }
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level int) bool {
	return atomic.LoadInt32(&verbosity) >= int32(level)
}

func output(ctx context.Context, sev, format string, args ...interface{}) {
	var prefix string
	if tags := logtags.FromContext(ctx); tags != nil {
		prefix = "[" + tags.String() + "] "
	}
	logger.Load().(*stdlog.Logger).Printf(sev+" "+prefix+format, args...)
}

// Infof logs to the INFO channel.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, "I", format, args...)
}

// Warningf logs to the WARNING channel.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, "W", format, args...)
}

// Errorf logs to the ERROR channel.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, "E", format, args...)
}

// Eventf records the event in the trace span attached to the context, if
// any, and logs it when verbosity is 2 or higher.
func Eventf(ctx context.Context, format string, args ...interface{}) {
	if sp := opentracing.SpanFromContext(ctx); sp != nil {
		sp.LogKV("event", fmt.Sprintf(format, args...))
	}
	if V(2) {
		output(ctx, "I", format, args...)
	}
}

// VEventf is like Eventf but only logs (not traces) above the given
// verbosity level.
func VEventf(ctx context.Context, level int, format string, args ...interface{}) {
	if sp := opentracing.SpanFromContext(ctx); sp != nil {
		sp.LogKV("event", fmt.Sprintf(format, args...))
	}
	if V(level) {
		output(ctx, "I", format, args...)
	}
}
