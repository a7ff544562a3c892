// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package rpc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ConnectionError reports that the connection carrying a call died before a
// response arrived, or that the server sent a connection-fatal error and
// closed the socket. Unlike a per-call error embedded in a response header,
// no state on the connection survives it: any server-side scanner reached
// through the connection is gone and call-level retry does not apply.
type ConnectionError struct {
	Cause error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Cause)
}

// Unwrap supports errors.Is/As chains.
func (e *ConnectionError) Unwrap() error { return e.Cause }

// IsConnectionFatal reports whether err carries a ConnectionError.
func IsConnectionFatal(err error) bool {
	return errors.HasType(err, (*ConnectionError)(nil))
}
