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

package protocol

import (
	"errors"

	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

var (
	ErrMalformedPayload  = errors.New("protocol: malformed payload")
	ErrSessionIDMismatch = errors.New("protocol: session id mismatch")
)

// EncodeDiscoverRequest packs the Discover request payload: a single 4-byte
// magic, opaque to the core.
func EncodeDiscoverRequest(magic uint32) []byte {
	return wire.EncodeUint32(magic, wire.BigEndian)
}

// DecodeDiscoverResponse unpacks a Discover response payload: the echoed
// magic, a firmware id, and a device display name.
func DecodeDiscoverResponse(payload []byte) (magic uint32, firmwareID []byte, displayName string, err error) {
	if len(payload) < 4 {
		return 0, nil, "", ErrMalformedPayload
	}
	magic = wire.DecodeUint32(payload[0:4], wire.BigEndian)
	rest := payload[4:]
	if len(rest) < 1 {
		return magic, nil, "", nil
	}
	nameLen := int(rest[0])
	if len(rest) < 1+nameLen {
		return 0, nil, "", ErrMalformedPayload
	}
	idEnd := len(rest) - nameLen
	firmwareID = append([]byte(nil), rest[1:idEnd]...)
	displayName = string(rest[idEnd:])
	return magic, firmwareID, displayName, nil
}

// EncodeConnectRequest packs the Connect request payload: the same magic
// carried by Discover.
func EncodeConnectRequest(magic uint32) []byte {
	return wire.EncodeUint32(magic, wire.BigEndian)
}

// DecodeConnectResponse unpacks the Connect response payload: the echoed
// magic plus the device-assigned session id.
func DecodeConnectResponse(payload []byte) (magic uint32, sessionID uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, ErrMalformedPayload
	}
	magic = wire.DecodeUint32(payload[0:4], wire.BigEndian)
	sessionID = wire.DecodeUint32(payload[4:8], wire.BigEndian)
	return magic, sessionID, nil
}

// EncodeDisconnectRequest packs the Disconnect request payload: the active
// session id.
func EncodeDisconnectRequest(sessionID uint32) []byte {
	return wire.EncodeUint32(sessionID, wire.BigEndian)
}

// EncodeHeartbeatRequest packs the Heartbeat request payload: session id and
// a fresh 16-bit challenge.
func EncodeHeartbeatRequest(sessionID uint32, challenge uint16) []byte {
	payload := make([]byte, 6)
	copy(payload[0:4], wire.EncodeUint32(sessionID, wire.BigEndian))
	copy(payload[4:6], wire.EncodeUint16(challenge, wire.BigEndian))
	return payload
}

// HeartbeatExpectedResponse computes the expected challenge response: the
// bitwise-NOT of the 16-bit challenge (see DESIGN.md's Open Question
// resolution).
func HeartbeatExpectedResponse(challenge uint16) uint16 {
	return ^challenge
}

// DecodeHeartbeatResponse unpacks the Heartbeat response payload: session id
// and challenge response. The caller compares sessionID against the one it
// sent and the response against HeartbeatExpectedResponse.
func DecodeHeartbeatResponse(payload []byte) (sessionID uint32, challengeResponse uint16, err error) {
	if len(payload) < 6 {
		return 0, 0, ErrMalformedPayload
	}
	sessionID = wire.DecodeUint32(payload[0:4], wire.BigEndian)
	challengeResponse = wire.DecodeUint16(payload[4:6], wire.BigEndian)
	return sessionID, challengeResponse, nil
}

// EncodeGetParamsRequest packs the GetParams request payload, which carries
// no fields.
func EncodeGetParamsRequest() []byte {
	return nil
}

// CommParams is the device's negotiated communication envelope, decoded from
// a GetParams response.
type CommParams struct {
	MaxRxDataSize      uint16
	MaxTxDataSize      uint16
	MaxBitrateBps      uint32
	HeartbeatTimeoutUs uint32
	RxTimeoutUs        uint32
	AddressSizeBits    byte
}

// AddressSizeBytes returns the device's address width in bytes, rounding up
// a non-multiple-of-8 bit count (which a conformant device never reports).
func (p CommParams) AddressSizeBytes() int {
	return (int(p.AddressSizeBits) + 7) / 8
}

// DecodeGetParamsResponse unpacks
// [max_rx_data_size:2][max_tx_data_size:2][max_bitrate_bps:4]
// [heartbeat_timeout_us:4][rx_timeout_us:4][address_size_byte:1].
func DecodeGetParamsResponse(payload []byte) (CommParams, error) {
	const wantLen = 2 + 2 + 4 + 4 + 4 + 1
	if len(payload) != wantLen {
		return CommParams{}, ErrMalformedPayload
	}
	return CommParams{
		MaxRxDataSize:      wire.DecodeUint16(payload[0:2], wire.BigEndian),
		MaxTxDataSize:      wire.DecodeUint16(payload[2:4], wire.BigEndian),
		MaxBitrateBps:      wire.DecodeUint32(payload[4:8], wire.BigEndian),
		HeartbeatTimeoutUs: wire.DecodeUint32(payload[8:12], wire.BigEndian),
		RxTimeoutUs:        wire.DecodeUint32(payload[12:16], wire.BigEndian),
		AddressSizeBits:    payload[16],
	}, nil
}

// MemoryBlockRequest is one (address, length) pair in a MemoryControl.Read
// request, or one (address, data) pair in a MemoryControl.Write request.
type MemoryBlockRequest struct {
	Address uint64
	Length  uint16
	Data    []byte
}

// MemoryBlockResponse is one (address, data) pair in a MemoryControl.Read
// response, or one (address, length) pair in a MemoryControl.Write response.
type MemoryBlockResponse struct {
	Address uint64
	Data    []byte
	Length  uint16
}

func encodeAddress(addr uint64, addressSize int) []byte {
	full := wire.EncodeUint64(addr, wire.BigEndian)
	return full[8-addressSize:]
}

func decodeAddress(data []byte, addressSize int) uint64 {
	buf := make([]byte, 8)
	copy(buf[8-addressSize:], data[:addressSize])
	return wire.DecodeUint64(buf, wire.BigEndian)
}

// EncodeMemoryReadRequest packs a MemoryControl.Read request payload:
// repeated [address:addressSize][length:2 BE].
func EncodeMemoryReadRequest(blocks []MemoryBlockRequest, addressSize int) []byte {
	payload := make([]byte, 0, len(blocks)*(addressSize+2))
	for _, b := range blocks {
		payload = append(payload, encodeAddress(b.Address, addressSize)...)
		payload = append(payload, wire.EncodeUint16(b.Length, wire.BigEndian)...)
	}
	return payload
}

// DecodeMemoryReadResponse unpacks a MemoryControl.Read response payload:
// repeated [address:addressSize][data:length], in request order. The caller
// supplies the lengths it requested since the response does not repeat them.
func DecodeMemoryReadResponse(payload []byte, addressSize int, lengths []uint16) ([]MemoryBlockResponse, error) {
	blocks := make([]MemoryBlockResponse, 0, len(lengths))
	offset := 0
	for _, length := range lengths {
		if offset+addressSize+int(length) > len(payload) {
			return nil, ErrMalformedPayload
		}
		addr := decodeAddress(payload[offset:offset+addressSize], addressSize)
		offset += addressSize
		data := append([]byte(nil), payload[offset:offset+int(length)]...)
		offset += int(length)
		blocks = append(blocks, MemoryBlockResponse{Address: addr, Data: data})
	}
	return blocks, nil
}

// EncodeMemoryWriteRequest packs a MemoryControl.Write request payload:
// repeated [address:addressSize][length:2 BE][data:length].
func EncodeMemoryWriteRequest(blocks []MemoryBlockRequest, addressSize int) []byte {
	payload := make([]byte, 0)
	for _, b := range blocks {
		payload = append(payload, encodeAddress(b.Address, addressSize)...)
		payload = append(payload, wire.EncodeUint16(uint16(len(b.Data)), wire.BigEndian)...)
		payload = append(payload, b.Data...)
	}
	return payload
}

// DecodeMemoryWriteResponse unpacks a MemoryControl.Write response payload:
// repeated [address:addressSize][length:2 BE].
func DecodeMemoryWriteResponse(payload []byte, addressSize int) ([]MemoryBlockResponse, error) {
	var blocks []MemoryBlockResponse
	offset := 0
	for offset < len(payload) {
		if offset+addressSize+2 > len(payload) {
			return nil, ErrMalformedPayload
		}
		addr := decodeAddress(payload[offset:offset+addressSize], addressSize)
		offset += addressSize
		length := wire.DecodeUint16(payload[offset:offset+2], wire.BigEndian)
		offset += 2
		blocks = append(blocks, MemoryBlockResponse{Address: addr, Length: length})
	}
	return blocks, nil
}

// EncodeMemoryWriteMaskedRequest packs a MemoryControl.WriteMasked request
// payload: repeated [address:addressSize][length:2 BE][data:length][mask:length].
// masks[i] must be the same length as blocks[i].Data.
func EncodeMemoryWriteMaskedRequest(blocks []MemoryBlockRequest, masks [][]byte, addressSize int) []byte {
	payload := make([]byte, 0)
	for i, b := range blocks {
		payload = append(payload, encodeAddress(b.Address, addressSize)...)
		payload = append(payload, wire.EncodeUint16(uint16(len(b.Data)), wire.BigEndian)...)
		payload = append(payload, b.Data...)
		payload = append(payload, masks[i]...)
	}
	return payload
}

// ApplyWriteMask computes (data & mask) | (mem & ^mask) per byte, the
// MemoryControl.WriteMasked semantics.
func ApplyWriteMask(data, mask, mem []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = (data[i] & mask[i]) | (mem[i] &^ mask[i])
	}
	return out
}

// EncodeReadRPVRequest packs a MemoryControl.ReadRPV request payload:
// repeated [id:2 BE].
func EncodeReadRPVRequest(ids []uint16) []byte {
	payload := make([]byte, 0, len(ids)*2)
	for _, id := range ids {
		payload = append(payload, wire.EncodeUint16(id, wire.BigEndian)...)
	}
	return payload
}

// RPVValue is one decoded (id, data) pair from a ReadRPV response.
type RPVValue struct {
	ID   uint16
	Data []byte
}

// DecodeReadRPVResponse unpacks a ReadRPV response payload: repeated
// [id:2 BE][data:type_size], in request order. sizeOf resolves each RPV id
// to its datatype's byte width — only the datastore knows RPV datatypes, so
// the codec takes it as a parameter rather than hard-coding one.
func DecodeReadRPVResponse(payload []byte, sizeOf func(id uint16) int) ([]RPVValue, error) {
	var values []RPVValue
	offset := 0
	for offset < len(payload) {
		if offset+2 > len(payload) {
			return nil, ErrMalformedPayload
		}
		id := wire.DecodeUint16(payload[offset:offset+2], wire.BigEndian)
		offset += 2
		size := sizeOf(id)
		if size <= 0 || offset+size > len(payload) {
			return nil, ErrMalformedPayload
		}
		data := append([]byte(nil), payload[offset:offset+size]...)
		offset += size
		values = append(values, RPVValue{ID: id, Data: data})
	}
	return values, nil
}

// EncodeWriteRPVRequest packs a MemoryControl.WriteRPV request payload:
// repeated [id:2 BE][data:type_size].
func EncodeWriteRPVRequest(values []RPVValue) []byte {
	payload := make([]byte, 0)
	for _, v := range values {
		payload = append(payload, wire.EncodeUint16(v.ID, wire.BigEndian)...)
		payload = append(payload, v.Data...)
	}
	return payload
}

// DecodeWriteRPVResponse unpacks a WriteRPV response payload: repeated
// [id:2 BE], acknowledging which RPVs were written.
func DecodeWriteRPVResponse(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, ErrMalformedPayload
	}
	ids := make([]uint16, 0, len(payload)/2)
	for offset := 0; offset < len(payload); offset += 2 {
		ids = append(ids, wire.DecodeUint16(payload[offset:offset+2], wire.BigEndian))
	}
	return ids, nil
}

// RPVDefinition is one (id, datatype) pair decoded from a
// GetRuntimePublishedValuesDefinition response, 3 bytes on the wire
// (BytesPerRPVDefinition): id:2 + type:1.
type RPVDefinition struct {
	ID       uint16
	Datatype byte
}

// DecodeRPVDefinitions unpacks a GetRuntimePublishedValuesDefinition
// response payload: repeated [id:2 BE][type:1].
func DecodeRPVDefinitions(payload []byte) ([]RPVDefinition, error) {
	if len(payload)%BytesPerRPVDefinition != 0 {
		return nil, ErrMalformedPayload
	}
	defs := make([]RPVDefinition, 0, len(payload)/BytesPerRPVDefinition)
	for offset := 0; offset < len(payload); offset += BytesPerRPVDefinition {
		defs = append(defs, RPVDefinition{
			ID:       wire.DecodeUint16(payload[offset:offset+2], wire.BigEndian),
			Datatype: payload[offset+2],
		})
	}
	return defs, nil
}
