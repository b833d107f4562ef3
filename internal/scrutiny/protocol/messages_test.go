// SPDX-License-Identifier: AGPL-3.0-or-later
// scrutinyd - Scrutiny device-facing core server
// Copyright (C) 2026 The scrutinyd authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package protocol_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

func TestRequestResponseFrameRoundTrip(t *testing.T) {
	t.Parallel()
	req := protocol.NewRequest(protocol.CommandGetInfo, protocol.GetInfoGetProtocolVersion, nil)
	frame, err := req.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := protocol.DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Command != req.Command || decoded.Subfn != req.Subfn {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	resp := protocol.NewResponse(protocol.CommandGetInfo, protocol.GetInfoGetProtocolVersion, protocol.ResponseCodeOK, []byte{1, 0})
	respFrame, err := resp.Encode()
	if err != nil {
		t.Fatalf("encode response failed: %v", err)
	}
	decodedResp, err := protocol.DecodeResponse(respFrame)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if !decodedResp.Matches(req) {
		t.Errorf("expected response to match request")
	}
}

func TestHeartbeatExpectedResponseIsBitwiseNot(t *testing.T) {
	t.Parallel()
	cases := []uint16{0x0000, 0xFFFF, 0x1234, 0xABCD}
	for _, challenge := range cases {
		got := protocol.HeartbeatExpectedResponse(challenge)
		want := ^challenge
		if got != want {
			t.Errorf("challenge %#x: got %#x want %#x", challenge, got, want)
		}
	}
}

func TestHeartbeatRequestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	payload := protocol.EncodeHeartbeatRequest(0xDEADBEEF, 0x1234)
	respPayload := make([]byte, 6)
	copy(respPayload, payload[0:4])
	expected := protocol.HeartbeatExpectedResponse(0x1234)
	respPayload[4] = byte(expected >> 8)
	respPayload[5] = byte(expected)

	sessionID, challengeResponse, err := protocol.DecodeHeartbeatResponse(respPayload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if sessionID != 0xDEADBEEF {
		t.Errorf("session id mismatch: got %#x", sessionID)
	}
	if challengeResponse != expected {
		t.Errorf("challenge response mismatch: got %#x want %#x", challengeResponse, expected)
	}
}

func TestDecodeGetParamsResponse(t *testing.T) {
	t.Parallel()
	payload := []byte{
		0x01, 0x00, // max_rx_data_size = 256
		0x02, 0x00, // max_tx_data_size = 512
		0x00, 0x10, 0x00, 0x00, // max_bitrate_bps = 0x00100000
		0x00, 0x00, 0x27, 0x10, // heartbeat_timeout_us = 10000
		0x00, 0x00, 0x13, 0x88, // rx_timeout_us = 5000
		32, // address_size_byte (bits)
	}
	params, err := protocol.DecodeGetParamsResponse(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := protocol.CommParams{
		MaxRxDataSize:      256,
		MaxTxDataSize:      512,
		MaxBitrateBps:      0x00100000,
		HeartbeatTimeoutUs: 10000,
		RxTimeoutUs:        5000,
		AddressSizeBits:    32,
	}
	if !cmp.Equal(params, want) {
		t.Errorf("mismatch: %s", cmp.Diff(want, params))
	}
	if params.AddressSizeBytes() != 4 {
		t.Errorf("expected 4-byte addresses, got %d", params.AddressSizeBytes())
	}
}

func TestMemoryReadRequestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	blocks := []protocol.MemoryBlockRequest{
		{Address: 0x1000, Length: 4},
		{Address: 0x2000, Length: 2},
	}
	const addressSize = 4
	reqPayload := protocol.EncodeMemoryReadRequest(blocks, addressSize)

	respPayload := make([]byte, 0)
	respPayload = append(respPayload, reqPayload[0:addressSize]...)
	respPayload = append(respPayload, []byte{0xAA, 0xBB, 0xCC, 0xDD}...)
	respPayload = append(respPayload, reqPayload[addressSize+2:addressSize+2+addressSize]...)
	respPayload = append(respPayload, []byte{0x11, 0x22}...)

	got, err := protocol.DecodeMemoryReadResponse(respPayload, addressSize, []uint16{4, 2})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got) != 2 || got[0].Address != 0x1000 || got[1].Address != 0x2000 {
		t.Errorf("unexpected blocks: %+v", got)
	}
	if !cmp.Equal(got[0].Data, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("unexpected data: %+v", got[0].Data)
	}
}

func TestApplyWriteMask(t *testing.T) {
	t.Parallel()
	data := []byte{0xFF, 0x00}
	mask := []byte{0x0F, 0xF0}
	mem := []byte{0x55, 0xAA}
	got := protocol.ApplyWriteMask(data, mask, mem)
	want := []byte{0x5F, 0x0A}
	if !cmp.Equal(got, want) {
		t.Errorf("mismatch: %s", cmp.Diff(want, got))
	}
}

func TestReadRPVRequestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	ids := []uint16{1, 2, 3}
	reqPayload := protocol.EncodeReadRPVRequest(ids)
	if len(reqPayload) != 6 {
		t.Fatalf("expected 6-byte payload, got %d", len(reqPayload))
	}

	respPayload := []byte{
		0, 1, 0x3F, 0x80, 0x00, 0x00, // id 1, float32 1.0
		0, 2, 0x00, 0x2A, // id 2, uint16 42
		0, 3, 0x01, // id 3, bool true
	}
	sizeOf := func(id uint16) int {
		switch id {
		case 1:
			return 4
		case 2:
			return 2
		default:
			return 1
		}
	}
	values, err := protocol.DecodeReadRPVResponse(respPayload, sizeOf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(values) != 3 || values[1].ID != 2 || len(values[1].Data) != 2 {
		t.Errorf("unexpected values: %+v", values)
	}
}

func TestDecodeRPVDefinitions(t *testing.T) {
	t.Parallel()
	payload := []byte{0, 1, 0x0A, 0, 2, 0x0B}
	defs, err := protocol.DecodeRPVDefinitions(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := []protocol.RPVDefinition{{ID: 1, Datatype: 0x0A}, {ID: 2, Datatype: 0x0B}}
	if !cmp.Equal(defs, want) {
		t.Errorf("mismatch: %s", cmp.Diff(want, defs))
	}
}
