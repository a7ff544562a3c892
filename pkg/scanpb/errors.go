// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package scanpb

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// The errors in this file travel in scan response headers. They divide into
// three classes: transient errors retried within the current step's budget
// (NotServingRegionError, LeaseExpiredError, ServerOverloadedError,
// SendError, InternalError without the do-not-retry flag), errors that force
// the client to re-resolve the region's location (RegionMovedError), and
// terminal errors (InternalError with DoNotRetry set).

// NotServingRegionError is returned when the contacted host knows about the
// region but cannot currently serve it, e.g. during a primary handoff.
// Transient; retry against the same location.
type NotServingRegionError struct {
	RegionID RegionID
}

// Error implements error.
func (e *NotServingRegionError) Error() string {
	return fmt.Sprintf("region %s is not currently serving", e.RegionID)
}

// RegionMovedError is returned when the region is no longer served by the
// contacted host. Retrying against the same location is futile; the client
// must re-resolve.
type RegionMovedError struct {
	RegionID RegionID
	// NewHost optionally names the new serving host, when the old host knows
	// it. Purely advisory.
	NewHost string
}

// Error implements error.
func (e *RegionMovedError) Error() string {
	if e.NewHost != "" {
		return fmt.Sprintf("region %s moved to %s", e.RegionID, e.NewHost)
	}
	return fmt.Sprintf("region %s moved", e.RegionID)
}

// LeaseExpiredError is returned for a continue RPC whose scanner lease has
// lapsed and the server discarded the scanner. Transient: the caller may
// reopen at its resume position.
type LeaseExpiredError struct {
	ScannerID uint64
}

// Error implements error.
func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("scanner %d lease expired", e.ScannerID)
}

// ServerOverloadedError is returned when the server sheds load. Transient,
// but retried after the distinguished longer pause.
type ServerOverloadedError struct {
	Host string
}

// Error implements error.
func (e *ServerOverloadedError) Error() string {
	return fmt.Sprintf("server %s is overloaded", e.Host)
}

// InternalError is a server-side failure embedded in a response header. The
// connection survives it and the call may be retried, unless DoNotRetry is
// set: then the server has determined that retrying cannot succeed and the
// error is immediately terminal for the scan.
type InternalError struct {
	Message    string
	DoNotRetry bool
}

// Error implements error.
func (e *InternalError) Error() string {
	return e.Message
}

// SendError wraps a transport-level failure to deliver an RPC (network blip,
// connection reset). Retryable at the send level: the call never reached a
// decision on the server.
type SendError struct {
	Cause error
}

// Error implements error.
func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send RPC: %v", e.Cause)
}

// Unwrap supports errors.Is/As chains.
func (e *SendError) Unwrap() error { return e.Cause }

// NewSendError wraps err as a retryable send failure.
func NewSendError(err error) error {
	return &SendError{Cause: err}
}

// IsRetryable reports whether the error is transient and may be retried
// against the same location within the current step's retry budget.
func IsRetryable(err error) bool {
	if errors.HasType(err, (*NotServingRegionError)(nil)) ||
		errors.HasType(err, (*LeaseExpiredError)(nil)) ||
		errors.HasType(err, (*SendError)(nil)) ||
		IsOverloaded(err) {
		return true
	}
	var internal *InternalError
	if errors.As(err, &internal) {
		return !internal.DoNotRetry
	}
	return false
}

// IsOverloaded reports whether the error indicates server overload, which
// retries after the longer overload pause.
func IsOverloaded(err error) bool {
	return errors.HasType(err, (*ServerOverloadedError)(nil))
}

// IsRegionMoved reports whether the error requires re-resolving the region's
// location before any further attempt.
func IsRegionMoved(err error) bool {
	return errors.HasType(err, (*RegionMovedError)(nil))
}

// IsDoNotRetry reports whether the server flagged the error as terminal.
func IsDoNotRetry(err error) bool {
	var internal *InternalError
	if errors.As(err, &internal) {
		return internal.DoNotRetry
	}
	return false
}
