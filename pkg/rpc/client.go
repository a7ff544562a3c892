// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package rpc

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
	"github.com/cockroachdb/rangescan/pkg/util/syncutil"
)

// Client is a scan-service client over one framed TCP connection. It
// implements scanpb.ScanService.
//
// Calls are strictly sequential: the scan protocol never pipelines requests
// within one scanner, so the client holds a lock across each call rather
// than multiplexing on call ids. Once a connection-fatal error has been
// observed the client is dead; all further calls fail with the same error.
type Client struct {
	mu struct {
		syncutil.Mutex
		conn   net.Conn
		callID uint64
		// err, once set, poisons the client.
		err error
	}
	remoteAddr string
}

var _ scanpb.ScanService = (*Client)(nil)

// Dial connects to addr, performs the connection preamble and returns a
// ready Client.
func Dial(ctx context.Context, addr string, hdr ConnHeader) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, scanpb.NewSendError(err)
	}
	return NewClient(conn, hdr)
}

// NewClient wraps an established connection, performing the preamble. Used
// directly by tests with in-memory pipes.
func NewClient(conn net.Conn, hdr ConnHeader) (*Client, error) {
	if err := writePreamble(conn, hdr); err != nil {
		_ = conn.Close()
		return nil, scanpb.NewSendError(err)
	}
	c := &Client{remoteAddr: conn.RemoteAddr().String()}
	c.mu.conn = conn
	return c, nil
}

// RemoteAddr returns the address of the server end of the connection.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Healthy reports whether the client can still carry calls.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err == nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.err == nil {
		c.mu.err = errors.New("client closed")
	}
	if c.mu.conn == nil {
		return nil
	}
	err := c.mu.conn.Close()
	c.mu.conn = nil
	return err
}

// OpenScanner implements scanpb.ScanService.
func (c *Client) OpenScanner(
	ctx context.Context, req *scanpb.OpenScannerRequest,
) (*scanpb.OpenScannerResponse, error) {
	param, err := MarshalOpenScannerRequest(req)
	if err != nil {
		return nil, err
	}
	respParam, respBulk, err := c.call(ctx, methodOpenScanner, param, nil)
	if err != nil {
		return nil, err
	}
	return unmarshalOpenScannerResponse(respParam, respBulk)
}

// Scan implements scanpb.ScanService.
func (c *Client) Scan(
	ctx context.Context, req *scanpb.ScanRequest,
) (*scanpb.ScanResponse, error) {
	param, err := MarshalScanRequest(req)
	if err != nil {
		return nil, err
	}
	respParam, respBulk, err := c.call(ctx, methodScan, param, nil)
	if err != nil {
		return nil, err
	}
	return unmarshalScanResponse(respParam, respBulk)
}

func (c *Client) call(
	ctx context.Context, method string, param, bulk []byte,
) (respParam, respBulk []byte, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.err != nil {
		return nil, nil, c.mu.err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	conn := c.mu.conn
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, nil, c.fatalLocked(err)
	}

	c.mu.callID++
	callID := c.mu.callID
	frame, err := encodeRequest(requestHeader{callID: callID, method: method}, param, bulk)
	if err != nil {
		return nil, nil, err
	}
	if err := writeFrame(conn, frame); err != nil {
		return nil, nil, c.fatalLocked(err)
	}
	body, err := readFrame(conn)
	if err != nil {
		return nil, nil, c.fatalLocked(err)
	}
	hdr, respParam, respBulk, err := decodeResponse(body)
	if err != nil {
		return nil, nil, c.fatalLocked(err)
	}
	if hdr.callID != callID {
		return nil, nil, c.fatalLocked(
			errors.Newf("response for call %d, expected %d", hdr.callID, callID))
	}
	switch hdr.errClass {
	case errClassNone:
		return respParam, respBulk, nil
	case errClassCall:
		// The connection stays usable; call-level retry applies.
		return nil, nil, hdr.err
	default:
		// The server is closing the socket.
		return nil, nil, c.fatalLocked(hdr.err)
	}
}

// fatalLocked poisons the client and closes the connection. The returned
// error is what all current and future calls observe.
func (c *Client) fatalLocked(cause error) error {
	c.mu.AssertHeld()
	if c.mu.err == nil {
		c.mu.err = &ConnectionError{Cause: cause}
		if c.mu.conn != nil {
			_ = c.mu.conn.Close()
			c.mu.conn = nil
		}
	}
	return c.mu.err
}
