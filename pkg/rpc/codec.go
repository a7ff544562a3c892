// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

// Package rpc implements the client side of the framed wire protocol spoken
// by region servers.
//
// A connection opens with a preamble (4-byte magic, protocol version byte,
// auth type byte, length-prefixed connection header). Every call is then one
// request frame and one response frame. A frame is a 4-byte big-endian total
// length followed by varint-delimited sections: a header message, a
// method-specific parameter message, and an optional trailing bulk block
// carrying row data out-of-band from the envelope.
//
// Varint primitives come from gogo/protobuf's proto.Buffer; the messages in
// this package are hand-framed rather than generated since the protocol is
// owned by the server project.
package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
)

var preambleMagic = [4]byte{'R', 'S', 'C', 'N'}

const protocolVersion = 1

// AuthType selects the authentication scheme announced in the preamble.
type AuthType byte

// AuthNone is the only scheme the client implements.
const AuthNone AuthType = 0x50

// ConnHeader is the connection header sent after the preamble bytes.
type ConnHeader struct {
	User    string
	Service string
	// Codec and Compression select the encoding of bulk blocks. Empty means
	// the default encoding, uncompressed.
	Codec       string
	Compression string
}

// Method names carried in request headers.
const (
	methodOpenScanner = "OpenScanner"
	methodScan        = "Scan"
)

// errClass values in response headers.
const (
	errClassNone = iota
	// errClassCall: the call failed but the connection remains usable.
	errClassCall
	// errClassFatal: the server is closing the connection; no further
	// responses will arrive.
	errClassFatal
)

// errKind values identify the typed scan errors carried in response headers.
const (
	errKindInternal = iota
	errKindNotServingRegion
	errKindRegionMoved
	errKindLeaseExpired
	errKindServerOverloaded
)

const maxFrameSize = 128 << 20

// maxDecodePrealloc caps slice and map preallocation driven by wire counts.
// A corrupt count then fails decoding the bytes that follow instead of
// sizing an allocation.
const maxDecodePrealloc = 4096

func writePreamble(w io.Writer, hdr ConnHeader) error {
	if _, err := w.Write(preambleMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{protocolVersion, byte(AuthNone)}); err != nil {
		return err
	}
	buf := proto.NewBuffer(nil)
	for _, f := range []string{hdr.User, hdr.Service, hdr.Codec, hdr.Compression} {
		if err := buf.EncodeStringBytes(f); err != nil {
			return err
		}
	}
	return writeFrame(w, buf.Bytes())
}

// ReadPreamble consumes and validates a connection preamble. Exported for
// use by test servers.
func ReadPreamble(r io.Reader) (ConnHeader, error) {
	var pre [6]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return ConnHeader{}, err
	}
	if !bytes.Equal(pre[:4], preambleMagic[:]) {
		return ConnHeader{}, errors.Newf("bad connection magic %q", pre[:4])
	}
	if pre[4] != protocolVersion {
		return ConnHeader{}, errors.Newf("unsupported protocol version %d", pre[4])
	}
	if AuthType(pre[5]) != AuthNone {
		return ConnHeader{}, errors.Newf("unsupported auth type %#x", pre[5])
	}
	body, err := readFrame(r)
	if err != nil {
		return ConnHeader{}, err
	}
	buf := proto.NewBuffer(body)
	var hdr ConnHeader
	for _, f := range []*string{&hdr.User, &hdr.Service, &hdr.Codec, &hdr.Compression} {
		if *f, err = buf.DecodeStringBytes(); err != nil {
			return ConnHeader{}, err
		}
	}
	return hdr, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, errors.Newf("frame of %d bytes exceeds maximum", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

type requestHeader struct {
	callID uint64
	method string
}

// encodeRequest frames a full request: header, parameter message, optional
// bulk block.
func encodeRequest(hdr requestHeader, param, bulk []byte) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	hdrBuf := proto.NewBuffer(nil)
	if err := hdrBuf.EncodeVarint(hdr.callID); err != nil {
		return nil, err
	}
	if err := hdrBuf.EncodeStringBytes(hdr.method); err != nil {
		return nil, err
	}
	if err := hdrBuf.EncodeVarint(uint64(len(bulk))); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(hdrBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(param); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(bulk); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest splits a request frame. Exported for use by test servers.
func DecodeRequest(body []byte) (callID uint64, method string, param, bulk []byte, err error) {
	buf := proto.NewBuffer(body)
	hdrBytes, err := buf.DecodeRawBytes(false)
	if err != nil {
		return 0, "", nil, nil, err
	}
	hdrBuf := proto.NewBuffer(hdrBytes)
	if callID, err = hdrBuf.DecodeVarint(); err != nil {
		return 0, "", nil, nil, err
	}
	if method, err = hdrBuf.DecodeStringBytes(); err != nil {
		return 0, "", nil, nil, err
	}
	bulkLen, err := hdrBuf.DecodeVarint()
	if err != nil {
		return 0, "", nil, nil, err
	}
	if param, err = buf.DecodeRawBytes(false); err != nil {
		return 0, "", nil, nil, err
	}
	if bulk, err = buf.DecodeRawBytes(false); err != nil {
		return 0, "", nil, nil, err
	}
	if uint64(len(bulk)) != bulkLen {
		return 0, "", nil, nil, errors.Newf(
			"bulk block of %d bytes, header declared %d", len(bulk), bulkLen)
	}
	return callID, method, param, bulk, nil
}

type responseHeader struct {
	callID     uint64
	errClass   uint64
	err        error // nil unless errClass != errClassNone
	doNotRetry bool
}

// EncodeResponse frames a full response. Exported for use by test servers.
func EncodeResponse(callID uint64, callErr error, param, bulk []byte) ([]byte, error) {
	hdrBuf := proto.NewBuffer(nil)
	if err := hdrBuf.EncodeVarint(callID); err != nil {
		return nil, err
	}
	class := uint64(errClassNone)
	if callErr != nil {
		class = errClassCall
	}
	if err := hdrBuf.EncodeVarint(class); err != nil {
		return nil, err
	}
	if callErr != nil {
		if err := encodeError(hdrBuf, callErr); err != nil {
			return nil, err
		}
	}
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeRawBytes(hdrBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(param); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(bulk); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeFatalResponse frames a connection-fatal error response; the server
// closes the socket after sending it. Exported for use by test servers.
func EncodeFatalResponse(callID uint64, cause error) ([]byte, error) {
	hdrBuf := proto.NewBuffer(nil)
	if err := hdrBuf.EncodeVarint(callID); err != nil {
		return nil, err
	}
	if err := hdrBuf.EncodeVarint(errClassFatal); err != nil {
		return nil, err
	}
	if err := encodeError(hdrBuf, cause); err != nil {
		return nil, err
	}
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeRawBytes(hdrBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(nil); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResponse(body []byte) (responseHeader, []byte, []byte, error) {
	buf := proto.NewBuffer(body)
	hdrBytes, err := buf.DecodeRawBytes(false)
	if err != nil {
		return responseHeader{}, nil, nil, err
	}
	hdrBuf := proto.NewBuffer(hdrBytes)
	var hdr responseHeader
	if hdr.callID, err = hdrBuf.DecodeVarint(); err != nil {
		return responseHeader{}, nil, nil, err
	}
	if hdr.errClass, err = hdrBuf.DecodeVarint(); err != nil {
		return responseHeader{}, nil, nil, err
	}
	if hdr.errClass != errClassNone {
		if hdr.err, hdr.doNotRetry, err = decodeError(hdrBuf); err != nil {
			return responseHeader{}, nil, nil, err
		}
	}
	param, err := buf.DecodeRawBytes(false)
	if err != nil {
		return responseHeader{}, nil, nil, err
	}
	bulk, err := buf.DecodeRawBytes(false)
	if err != nil {
		return responseHeader{}, nil, nil, err
	}
	return hdr, param, bulk, nil
}

func encodeError(buf *proto.Buffer, err error) error {
	kind := uint64(errKindInternal)
	var regionID uint64
	var scannerID uint64
	var doNotRetry uint64
	var detail string
	msg := err.Error()

	switch t := errors.UnwrapAll(err).(type) {
	case *scanpb.NotServingRegionError:
		kind, regionID = errKindNotServingRegion, uint64(t.RegionID)
	case *scanpb.RegionMovedError:
		kind, regionID, detail = errKindRegionMoved, uint64(t.RegionID), t.NewHost
	case *scanpb.LeaseExpiredError:
		kind, scannerID = errKindLeaseExpired, t.ScannerID
	case *scanpb.ServerOverloadedError:
		kind, detail = errKindServerOverloaded, t.Host
	case *scanpb.InternalError:
		if t.DoNotRetry {
			doNotRetry = 1
		}
	}

	for _, v := range []uint64{kind, doNotRetry, regionID, scannerID} {
		if err := buf.EncodeVarint(v); err != nil {
			return err
		}
	}
	if err := buf.EncodeStringBytes(detail); err != nil {
		return err
	}
	return buf.EncodeStringBytes(msg)
}

func decodeError(buf *proto.Buffer) (error, bool, error) {
	var vals [4]uint64
	for i := range vals {
		v, err := buf.DecodeVarint()
		if err != nil {
			return nil, false, err
		}
		vals[i] = v
	}
	kind, doNotRetry, regionID, scannerID := vals[0], vals[1] != 0, vals[2], vals[3]
	detail, err := buf.DecodeStringBytes()
	if err != nil {
		return nil, false, err
	}
	msg, err := buf.DecodeStringBytes()
	if err != nil {
		return nil, false, err
	}

	switch kind {
	case errKindNotServingRegion:
		return &scanpb.NotServingRegionError{RegionID: scanpb.RegionID(regionID)}, false, nil
	case errKindRegionMoved:
		return &scanpb.RegionMovedError{RegionID: scanpb.RegionID(regionID), NewHost: detail}, false, nil
	case errKindLeaseExpired:
		return &scanpb.LeaseExpiredError{ScannerID: scannerID}, false, nil
	case errKindServerOverloaded:
		return &scanpb.ServerOverloadedError{Host: detail}, false, nil
	default:
		return &scanpb.InternalError{Message: msg, DoNotRetry: doNotRetry}, doNotRetry, nil
	}
}

// The scan messages below are framed by hand with the same varint
// primitives. Field order is part of the protocol.

// MarshalOpenScannerRequest encodes req as a parameter message.
func MarshalOpenScannerRequest(req *scanpb.OpenScannerRequest) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(uint64(req.Region)); err != nil {
		return nil, err
	}
	if err := buf.EncodeStringBytes(req.Table); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(req.StartKey); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(boolVarint(req.StartInclusive)); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(req.StopKey); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(boolVarint(req.StopInclusive)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(req.RowBudget)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(req.Priority)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(len(req.Attributes))); err != nil {
		return nil, err
	}
	for _, k := range sortedAttrKeys(req.Attributes) {
		if err := buf.EncodeStringBytes(k); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(req.Attributes[k]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalOpenScannerRequest decodes a parameter message. Exported for use
// by test servers.
func UnmarshalOpenScannerRequest(b []byte) (*scanpb.OpenScannerRequest, error) {
	buf := proto.NewBuffer(b)
	var req scanpb.OpenScannerRequest
	region, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	req.Region = scanpb.RegionID(region)
	if req.Table, err = buf.DecodeStringBytes(); err != nil {
		return nil, err
	}
	var startKey, stopKey []byte
	if startKey, err = buf.DecodeRawBytes(true); err != nil {
		return nil, err
	}
	req.StartKey = startKey
	if req.StartInclusive, err = decodeBool(buf); err != nil {
		return nil, err
	}
	if stopKey, err = buf.DecodeRawBytes(true); err != nil {
		return nil, err
	}
	req.StopKey = stopKey
	if req.StopInclusive, err = decodeBool(buf); err != nil {
		return nil, err
	}
	rowBudget, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	req.RowBudget = int(rowBudget)
	priority, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	req.Priority = int(priority)
	nAttrs, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	if nAttrs > 0 {
		req.Attributes = make(map[string][]byte, min(nAttrs, maxDecodePrealloc))
		for i := uint64(0); i < nAttrs; i++ {
			k, err := buf.DecodeStringBytes()
			if err != nil {
				return nil, err
			}
			v, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			req.Attributes[k] = v
		}
	}
	return &req, nil
}

// MarshalOpenScannerResponse encodes the response envelope; the first batch,
// if any, travels in the bulk block. Exported for use by test servers.
func MarshalOpenScannerResponse(resp *scanpb.OpenScannerResponse) (param, bulk []byte, err error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(resp.ScannerID); err != nil {
		return nil, nil, err
	}
	if err := buf.EncodeVarint(uint64(resp.LeaseTTL)); err != nil {
		return nil, nil, err
	}
	bulk, err = marshalRowBatch(resp.Batch)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), bulk, nil
}

func unmarshalOpenScannerResponse(param, bulk []byte) (*scanpb.OpenScannerResponse, error) {
	buf := proto.NewBuffer(param)
	var resp scanpb.OpenScannerResponse
	var err error
	if resp.ScannerID, err = buf.DecodeVarint(); err != nil {
		return nil, err
	}
	ttl, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	resp.LeaseTTL = time.Duration(ttl)
	if resp.Batch, err = unmarshalRowBatch(bulk); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarshalScanRequest encodes req as a parameter message.
func MarshalScanRequest(req *scanpb.ScanRequest) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(req.ScannerID); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(req.RowBudget)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(boolVarint(req.Renew)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(boolVarint(req.Close)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalScanRequest decodes a parameter message. Exported for use by test
// servers.
func UnmarshalScanRequest(b []byte) (*scanpb.ScanRequest, error) {
	buf := proto.NewBuffer(b)
	var req scanpb.ScanRequest
	var err error
	if req.ScannerID, err = buf.DecodeVarint(); err != nil {
		return nil, err
	}
	rowBudget, err := buf.DecodeVarint()
	if err != nil {
		return nil, err
	}
	req.RowBudget = int(rowBudget)
	if req.Renew, err = decodeBool(buf); err != nil {
		return nil, err
	}
	if req.Close, err = decodeBool(buf); err != nil {
		return nil, err
	}
	return &req, nil
}

// MarshalScanResponse encodes the response; all row data is in the bulk
// block. Exported for use by test servers.
func MarshalScanResponse(resp *scanpb.ScanResponse) (param, bulk []byte, err error) {
	bulk, err = marshalRowBatch(resp.Batch)
	if err != nil {
		return nil, nil, err
	}
	return nil, bulk, nil
}

func unmarshalScanResponse(_, bulk []byte) (*scanpb.ScanResponse, error) {
	batch, err := unmarshalRowBatch(bulk)
	if err != nil {
		return nil, err
	}
	return &scanpb.ScanResponse{Batch: batch}, nil
}

func marshalRowBatch(batch scanpb.RowBatch) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(boolVarint(batch.MoreInRegion)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(boolVarint(batch.PartialLastRow)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(len(batch.Rows))); err != nil {
		return nil, err
	}
	for _, row := range batch.Rows {
		if err := buf.EncodeRawBytes(row.Key); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(len(row.Cells))); err != nil {
			return nil, err
		}
		for _, cell := range row.Cells {
			if err := buf.EncodeStringBytes(cell.Column); err != nil {
				return nil, err
			}
			if err := buf.EncodeRawBytes(cell.Value); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func unmarshalRowBatch(b []byte) (scanpb.RowBatch, error) {
	var batch scanpb.RowBatch
	if len(b) == 0 {
		return batch, nil
	}
	buf := proto.NewBuffer(b)
	var err error
	if batch.MoreInRegion, err = decodeBool(buf); err != nil {
		return batch, err
	}
	if batch.PartialLastRow, err = decodeBool(buf); err != nil {
		return batch, err
	}
	nRows, err := buf.DecodeVarint()
	if err != nil {
		return batch, err
	}
	batch.Rows = make([]scanpb.Row, 0, min(nRows, maxDecodePrealloc))
	for i := uint64(0); i < nRows; i++ {
		var row scanpb.Row
		key, err := buf.DecodeRawBytes(true)
		if err != nil {
			return batch, err
		}
		row.Key = key
		nCells, err := buf.DecodeVarint()
		if err != nil {
			return batch, err
		}
		row.Cells = make([]scanpb.Cell, 0, min(nCells, maxDecodePrealloc))
		for j := uint64(0); j < nCells; j++ {
			var cell scanpb.Cell
			if cell.Column, err = buf.DecodeStringBytes(); err != nil {
				return batch, err
			}
			if cell.Value, err = buf.DecodeRawBytes(true); err != nil {
				return batch, err
			}
			row.Cells = append(row.Cells, cell)
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func decodeBool(buf *proto.Buffer) (bool, error) {
	v, err := buf.DecodeVarint()
	return v != 0, err
}

func sortedAttrKeys(attrs map[string][]byte) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
