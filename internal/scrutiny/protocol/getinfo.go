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

import "github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"

// EncodeGetProtocolVersionRequest packs the GetProtocolVersion request
// payload, which carries no fields.
func EncodeGetProtocolVersionRequest() []byte {
	return nil
}

// ProtocolVersion is the device's reported protocol major/minor.
type ProtocolVersion struct {
	Major byte
	Minor byte
}

// DecodeProtocolVersionResponse unpacks [major:1][minor:1].
func DecodeProtocolVersionResponse(payload []byte) (ProtocolVersion, error) {
	if len(payload) != 2 {
		return ProtocolVersion{}, ErrMalformedPayload
	}
	return ProtocolVersion{Major: payload[0], Minor: payload[1]}, nil
}

// EncodeGetSupportedFeaturesRequest packs the GetSupportedFeatures request
// payload, which carries no fields.
func EncodeGetSupportedFeaturesRequest() []byte {
	return nil
}

// SupportedFeatures is the device's optional-capability bitmap.
type SupportedFeatures struct {
	MemoryWrite    bool
	DatalogAcquire bool
	UserCommand    bool
}

const (
	featureBitMemoryWrite    = 1 << 0
	featureBitDatalogAcquire = 1 << 1
	featureBitUserCommand    = 1 << 2
)

// DecodeSupportedFeaturesResponse unpacks a single feature-bitmap byte.
func DecodeSupportedFeaturesResponse(payload []byte) (SupportedFeatures, error) {
	if len(payload) != 1 {
		return SupportedFeatures{}, ErrMalformedPayload
	}
	flags := payload[0]
	return SupportedFeatures{
		MemoryWrite:    flags&featureBitMemoryWrite != 0,
		DatalogAcquire: flags&featureBitDatalogAcquire != 0,
		UserCommand:    flags&featureBitUserCommand != 0,
	}, nil
}

// EncodeGetSpecialMemoryRegionCountRequest packs the
// GetSpecialMemoryRegionCount request payload, which carries no fields.
func EncodeGetSpecialMemoryRegionCountRequest() []byte {
	return nil
}

// SpecialMemoryRegionCount is the device-reported count of each special
// memory region kind, fetched before polling their locations one by one.
type SpecialMemoryRegionCount struct {
	ReadOnly  byte
	Forbidden byte
}

// DecodeSpecialMemoryRegionCountResponse unpacks [readonly:1][forbidden:1].
func DecodeSpecialMemoryRegionCountResponse(payload []byte) (SpecialMemoryRegionCount, error) {
	if len(payload) != 2 {
		return SpecialMemoryRegionCount{}, ErrMalformedPayload
	}
	return SpecialMemoryRegionCount{ReadOnly: payload[0], Forbidden: payload[1]}, nil
}

// MemoryRegion is a contiguous [Start, End] address range.
type MemoryRegion struct {
	Start uint64
	End   uint64
}

// EncodeGetSpecialMemoryRegionLocationRequest packs
// [region_type:1][region_index:1].
func EncodeGetSpecialMemoryRegionLocationRequest(regionType MemoryRegionType, index byte) []byte {
	return []byte{byte(regionType), index}
}

// DecodeSpecialMemoryRegionLocationResponse unpacks
// [start:addressSize][end:addressSize].
func DecodeSpecialMemoryRegionLocationResponse(payload []byte, addressSize int) (MemoryRegion, error) {
	if len(payload) != 2*addressSize {
		return MemoryRegion{}, ErrMalformedPayload
	}
	return MemoryRegion{
		Start: decodeAddress(payload[0:addressSize], addressSize),
		End:   decodeAddress(payload[addressSize:2*addressSize], addressSize),
	}, nil
}

// EncodeGetRuntimePublishedValuesCountRequest packs the
// GetRuntimePublishedValuesCount request payload, which carries no fields.
func EncodeGetRuntimePublishedValuesCountRequest() []byte {
	return nil
}

// DecodeRPVCountResponse unpacks a 2-byte big-endian RPV count.
func DecodeRPVCountResponse(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, ErrMalformedPayload
	}
	return wire.DecodeUint16(payload, wire.BigEndian), nil
}

// EncodeGetRuntimePublishedValuesDefinitionRequest packs
// [start:2 BE][count:2 BE], requesting RPV definitions
// [start, start+count) by index.
func EncodeGetRuntimePublishedValuesDefinitionRequest(start, count uint16) []byte {
	payload := make([]byte, 4)
	copy(payload[0:2], wire.EncodeUint16(start, wire.BigEndian))
	copy(payload[2:4], wire.EncodeUint16(count, wire.BigEndian))
	return payload
}
