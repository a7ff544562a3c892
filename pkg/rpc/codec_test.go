// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the /LICENSE file.

package rpc

import (
	"testing"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/rangescan/pkg/scanpb"
)

func TestUnmarshalRowBatchRejectsCorruptRowCount(t *testing.T) {
	buf := proto.NewBuffer(nil)
	require.NoError(t, buf.EncodeVarint(0)) // MoreInRegion
	require.NoError(t, buf.EncodeVarint(0)) // PartialLastRow
	require.NoError(t, buf.EncodeVarint(1<<62))

	// A row count no frame could hold is a decode error, not an allocation.
	_, err := unmarshalRowBatch(buf.Bytes())
	require.Error(t, err)
}

func TestUnmarshalRowBatchRejectsCorruptCellCount(t *testing.T) {
	buf := proto.NewBuffer(nil)
	require.NoError(t, buf.EncodeVarint(0))
	require.NoError(t, buf.EncodeVarint(0))
	require.NoError(t, buf.EncodeVarint(1))
	require.NoError(t, buf.EncodeRawBytes([]byte("a")))
	require.NoError(t, buf.EncodeVarint(1<<62))

	_, err := unmarshalRowBatch(buf.Bytes())
	require.Error(t, err)
}

func TestUnmarshalOpenScannerRequestRejectsCorruptAttrCount(t *testing.T) {
	b, err := MarshalOpenScannerRequest(&scanpb.OpenScannerRequest{
		Region: 1, Table: "t",
	})
	require.NoError(t, err)

	// Replace the trailing zero attribute count with an impossible one.
	buf := proto.NewBuffer(b[:len(b)-1])
	require.NoError(t, buf.EncodeVarint(1<<62))

	_, err = UnmarshalOpenScannerRequest(buf.Bytes())
	require.Error(t, err)
}
