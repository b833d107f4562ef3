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

// Package protocol defines every Request/Response command, subfunction, and
// payload shape exchanged with the device, and the pack/unpack functions
// that turn them into wire bytes via the wire package's codec.
package protocol

// Command identifies the top-level command group of a Request or Response.
type Command byte

const (
	CommandGetInfo        Command = 1
	CommandCommControl    Command = 2
	CommandMemoryControl  Command = 3
	CommandUserCommand    Command = 5
	CommandDatalogControl Command = 6
)

func (c Command) String() string {
	switch c {
	case CommandGetInfo:
		return "GetInfo"
	case CommandCommControl:
		return "CommControl"
	case CommandMemoryControl:
		return "MemoryControl"
	case CommandUserCommand:
		return "UserCommand"
	case CommandDatalogControl:
		return "DatalogControl"
	default:
		return "Unknown"
	}
}

// CommControl subfunctions.
const (
	CommControlDiscover   byte = 1
	CommControlHeartbeat  byte = 2
	CommControlGetParams  byte = 3
	CommControlConnect    byte = 4
	CommControlDisconnect byte = 5
)

// GetInfo subfunctions.
const (
	GetInfoGetProtocolVersion              byte = 1
	GetInfoGetSupportedFeatures            byte = 2
	GetInfoGetSpecialMemoryRegionCount     byte = 3
	GetInfoGetSpecialMemoryRegionLocation  byte = 4
	GetInfoGetRuntimePublishedValuesCount  byte = 5
	GetInfoGetRuntimePublishedValuesDefine byte = 6
	GetInfoGetLoopCount                    byte = 7
	GetInfoGetLoopDefinition               byte = 8
)

// MemoryControl subfunctions.
const (
	MemoryControlRead        byte = 1
	MemoryControlWrite       byte = 2
	MemoryControlWriteMasked byte = 3
	MemoryControlReadRPV     byte = 4
	MemoryControlWriteRPV    byte = 5
)

// DatalogControl subfunctions.
const (
	DatalogControlGetSetup           byte = 1
	DatalogControlConfigure          byte = 2
	DatalogControlArmTrigger         byte = 3
	DatalogControlDisarmTrigger      byte = 4
	DatalogControlGetStatus          byte = 5
	DatalogControlGetAcquisitionMeta byte = 6
	DatalogControlReadAcquisition    byte = 7
)

// MemoryRegionType distinguishes the two special-memory-region kinds polled
// by GetInfo.GetSpecialMemoryRegionLocation.
type MemoryRegionType byte

const (
	MemoryRegionReadOnly  MemoryRegionType = 0
	MemoryRegionForbidden MemoryRegionType = 1
)

// ResponseCode is the third header byte of every Response.
type ResponseCode byte

const (
	ResponseCodeOK               ResponseCode = 0
	ResponseCodeInvalidRequest   ResponseCode = 1
	ResponseCodeUnsupportedFeat  ResponseCode = 2
	ResponseCodeOverflow         ResponseCode = 3
	ResponseCodeBusy             ResponseCode = 4
	ResponseCodeFailureToProceed ResponseCode = 5
	ResponseCodeNoDataToReturn   ResponseCode = 6
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseCodeOK:
		return "OK"
	case ResponseCodeInvalidRequest:
		return "InvalidRequest"
	case ResponseCodeUnsupportedFeat:
		return "UnsupportedFeature"
	case ResponseCodeOverflow:
		return "Overflow"
	case ResponseCodeBusy:
		return "Busy"
	case ResponseCodeFailureToProceed:
		return "FailureToProceed"
	case ResponseCodeNoDataToReturn:
		return "NoDataToReturn"
	default:
		return "Unknown"
	}
}

// Protocol-level magic constants and sizes.
const (
	DiscoverMagic uint32 = 0x7E18FC6D
	ConnectMagic  uint32 = 0x82907402

	// BytesPerRPVDefinition is fixed at id:2 + type:1, see DESIGN.md's
	// resolution of the RPV definition encoding size Open Question.
	BytesPerRPVDefinition = 3
)
