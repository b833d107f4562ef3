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

// Package wire implements the scalar and frame codec: header and payload
// integers are fixed big-endian, memory payloads follow a device-declared
// endianness, and every frame is sealed with a CRC-32.
package wire

import (
	"encoding/binary"
	"math"
)

// Endianness selects the byte order memory payloads are packed in. Header
// fields and protocol message payloads are always big-endian regardless of
// this setting; only raw memory reads/writes honor it (RPV values are
// packed big-endian).
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) order() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func EncodeUint16(v uint16, e Endianness) []byte {
	buf := make([]byte, 2)
	e.order().PutUint16(buf, v)
	return buf
}

func DecodeUint16(data []byte, e Endianness) uint16 {
	return e.order().Uint16(data)
}

func EncodeUint32(v uint32, e Endianness) []byte {
	buf := make([]byte, 4)
	e.order().PutUint32(buf, v)
	return buf
}

func DecodeUint32(data []byte, e Endianness) uint32 {
	return e.order().Uint32(data)
}

func EncodeUint64(v uint64, e Endianness) []byte {
	buf := make([]byte, 8)
	e.order().PutUint64(buf, v)
	return buf
}

func DecodeUint64(data []byte, e Endianness) uint64 {
	return e.order().Uint64(data)
}

func EncodeInt16(v int16, e Endianness) []byte {
	return EncodeUint16(uint16(v), e)
}

func DecodeInt16(data []byte, e Endianness) int16 {
	return int16(DecodeUint16(data, e))
}

func EncodeInt32(v int32, e Endianness) []byte {
	return EncodeUint32(uint32(v), e)
}

func DecodeInt32(data []byte, e Endianness) int32 {
	return int32(DecodeUint32(data, e))
}

func EncodeInt64(v int64, e Endianness) []byte {
	return EncodeUint64(uint64(v), e)
}

func DecodeInt64(data []byte, e Endianness) int64 {
	return int64(DecodeUint64(data, e))
}

func EncodeFloat32(v float32, e Endianness) []byte {
	return EncodeUint32(math.Float32bits(v), e)
}

func DecodeFloat32(data []byte, e Endianness) float32 {
	return math.Float32frombits(DecodeUint32(data, e))
}

func EncodeFloat64(v float64, e Endianness) []byte {
	return EncodeUint64(math.Float64bits(v), e)
}

func DecodeFloat64(data []byte, e Endianness) float64 {
	return math.Float64frombits(DecodeUint64(data, e))
}

func EncodeBool(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func DecodeBool(b byte) bool {
	return b != 0
}
