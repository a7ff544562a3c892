// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package rpc

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/log"
)

// Server serves the framed scan protocol on a listener, dispatching each
// call to an underlying scanpb.ScanService. A service returning a
// *ConnectionError makes the server send a fatal response and drop the
// connection; any other error travels as a per-call error and the connection
// stays up.
type Server struct {
	svc scanpb.ScanService
}

// NewServer returns a Server dispatching to svc.
func NewServer(svc scanpb.ScanService) *Server {
	return &Server{svc: svc}
}

// Serve accepts connections on ln until the listener closes. Each connection
// is served on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	ctx := context.Background()
	defer func() { _ = conn.Close() }()
	if _, err := ReadPreamble(conn); err != nil {
		log.VEventf(ctx, 2, "rejecting connection from %s: %v", conn.RemoteAddr(), err)
		return
	}
	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}
		callID, method, param, _, err := DecodeRequest(body)
		if err != nil {
			return
		}

		respParam, respBulk, callErr := s.dispatch(ctx, method, param)

		var fatal *ConnectionError
		if errors.As(callErr, &fatal) {
			frame, err := EncodeFatalResponse(callID, fatal.Cause)
			if err != nil {
				return
			}
			_ = writeFrame(conn, frame)
			return
		}
		frame, err := EncodeResponse(callID, callErr, respParam, respBulk)
		if err != nil {
			return
		}
		if err := writeFrame(conn, frame); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(
	ctx context.Context, method string, param []byte,
) (respParam, respBulk []byte, _ error) {
	switch method {
	case methodOpenScanner:
		req, err := UnmarshalOpenScannerRequest(param)
		if err != nil {
			return nil, nil, err
		}
		resp, err := s.svc.OpenScanner(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		respParam, respBulk, err = MarshalOpenScannerResponse(resp)
		return respParam, respBulk, err
	case methodScan:
		req, err := UnmarshalScanRequest(param)
		if err != nil {
			return nil, nil, err
		}
		resp, err := s.svc.Scan(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		respParam, respBulk, err = MarshalScanResponse(resp)
		return respParam, respBulk, err
	default:
		return nil, nil, &scanpb.InternalError{
			Message:    "unknown method " + method,
			DoNotRetry: true,
		}
	}
}
