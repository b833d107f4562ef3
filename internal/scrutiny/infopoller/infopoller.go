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

// Package infopoller implements the post-connect Info Poller sub-FSM: it
// walks the device through protocol version, comm params, features,
// special memory regions, and runtime published value definitions, in
// order, exactly once per session.
package infopoller

import (
	"fmt"
	"log/slog"

	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

// State is a step of the Info Poller sub-FSM.
type State int

const (
	StateInit State = iota
	StateGetProtocolVersion
	StateGetCommParams
	StateGetSupportedFeatures
	StateGetSpecialMemoryRegionCount
	StateGetForbiddenMemoryRegions
	StateGetReadOnlyMemoryRegions
	StateGetRPVCount
	StateGetRPVDefinition
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateGetProtocolVersion:
		return "GetProtocolVersion"
	case StateGetCommParams:
		return "GetCommParams"
	case StateGetSupportedFeatures:
		return "GetSupportedFeatures"
	case StateGetSpecialMemoryRegionCount:
		return "GetSpecialMemoryRegionCount"
	case StateGetForbiddenMemoryRegions:
		return "GetForbiddenMemoryRegions"
	case StateGetReadOnlyMemoryRegions:
		return "GetReadOnlyMemoryRegions"
	case StateGetRPVCount:
		return "GetRPVCount"
	case StateGetRPVDefinition:
		return "GetRPVDefinition"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// DeviceInfo aggregates everything the Info Poller gathers from the device
// over the course of one session.
type DeviceInfo struct {
	ProtocolVersion  protocol.ProtocolVersion
	CommParams       protocol.CommParams
	Features         protocol.SupportedFeatures
	ForbiddenRegions []protocol.MemoryRegion
	ReadOnlyRegions  []protocol.MemoryRegion
	RPVDefinitions   []protocol.RPVDefinition
}

func (i *DeviceInfo) clear() {
	*i = DeviceInfo{}
}

// Poller drives the Info Poller sub-FSM. It must be ticked by Process on
// every core cycle while started.
type Poller struct {
	dispatcher *dispatcher.Dispatcher
	priority   uint8
	logger     *slog.Logger

	info DeviceInfo

	state     State
	lastState State

	started        bool
	stopRequested  bool
	requestPending int
	requestFailed  bool
	errorMessage   string

	readonlyCount  *byte
	forbiddenCount *byte
	rpvCount       uint16
	rpvCountKnown  bool
	maxRPVPerTx    int
}

// New constructs a Poller. logger may be nil.
func New(d *dispatcher.Dispatcher, priority uint8, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{dispatcher: d, priority: priority, logger: logger}
	p.reset()
	return p
}

// Start begins polling.
func (p *Poller) Start() {
	p.started = true
}

// Stop requests polling to halt once any in-flight request completes.
func (p *Poller) Stop() {
	p.stopRequested = true
}

// Done reports whether the sub-FSM reached the terminal Done state.
func (p *Poller) Done() bool {
	return p.state == StateDone
}

// IsError reports whether the sub-FSM reached the terminal Error state.
func (p *Poller) IsError() bool {
	return p.state == StateError
}

// ErrorMessage is the human-readable reason for an Error transition.
func (p *Poller) ErrorMessage() string {
	return p.errorMessage
}

// GetDeviceInfo returns a copy of the info gathered so far.
func (p *Poller) GetDeviceInfo() DeviceInfo {
	return p.info
}

func (p *Poller) reset() {
	if p.state != StateInit {
		p.logger.Debug("info poller moving to Init")
	}
	p.state = StateInit
	p.lastState = StateInit
	p.stopRequested = false
	p.requestPending = 0
	p.requestFailed = false
	p.errorMessage = ""
	p.forbiddenCount = nil
	p.readonlyCount = nil
	p.rpvCount = 0
	p.rpvCountKnown = false
	p.info.clear()
}

// Process advances the sub-FSM by one step. Call it on every core tick
// while started.
func (p *Poller) Process() {
	if !p.started {
		p.reset()
		return
	}
	if p.stopRequested && p.requestPending == 0 {
		p.started = false
		p.reset()
		return
	}

	next := p.state
	stateEntry := p.state != p.lastState

	switch p.state {
	case StateInit:
		next = StateGetProtocolVersion

	case StateGetProtocolVersion:
		if stateEntry {
			p.submitOne(protocol.CommandGetInfo, protocol.GetInfoGetProtocolVersion, protocol.EncodeGetProtocolVersionRequest(), 2, p.onProtocolVersion)
		}
		next = p.advanceOrError(StateGetCommParams)

	case StateGetCommParams:
		if stateEntry {
			p.submitOne(protocol.CommandCommControl, protocol.CommControlGetParams, protocol.EncodeGetParamsRequest(), commParamsResponseSize, p.onCommParams)
		}
		next = p.advanceOrError(StateGetSupportedFeatures)

	case StateGetSupportedFeatures:
		if stateEntry {
			p.submitOne(protocol.CommandGetInfo, protocol.GetInfoGetSupportedFeatures, protocol.EncodeGetSupportedFeaturesRequest(), 1, p.onSupportedFeatures)
		}
		next = p.advanceOrError(StateGetSpecialMemoryRegionCount)

	case StateGetSpecialMemoryRegionCount:
		if stateEntry {
			p.forbiddenCount = nil
			p.readonlyCount = nil
			p.submitOne(protocol.CommandGetInfo, protocol.GetInfoGetSpecialMemoryRegionCount, protocol.EncodeGetSpecialMemoryRegionCountRequest(), 2, p.onSpecialMemoryRegionCount)
		}
		next = p.advanceOrError(StateGetForbiddenMemoryRegions)

	case StateGetForbiddenMemoryRegions:
		if p.forbiddenCount == nil {
			next = StateError
			p.errorMessage = "special memory region count was never received"
			break
		}
		if stateEntry {
			p.info.ForbiddenRegions = nil
			p.submitRegionBatch(protocol.MemoryRegionForbidden, *p.forbiddenCount, p.onForbiddenRegion)
		}
		if p.requestFailed {
			next = StateError
			break
		}
		if len(p.info.ForbiddenRegions) >= int(*p.forbiddenCount) {
			next = StateGetReadOnlyMemoryRegions
		}

	case StateGetReadOnlyMemoryRegions:
		if p.readonlyCount == nil {
			next = StateError
			p.errorMessage = "special memory region count was never received"
			break
		}
		if stateEntry {
			p.info.ReadOnlyRegions = nil
			p.submitRegionBatch(protocol.MemoryRegionReadOnly, *p.readonlyCount, p.onReadOnlyRegion)
		}
		if p.requestFailed {
			next = StateError
			break
		}
		if len(p.info.ReadOnlyRegions) >= int(*p.readonlyCount) {
			next = StateGetRPVCount
		}

	case StateGetRPVCount:
		if stateEntry {
			p.rpvCountKnown = false
			p.submitOne(protocol.CommandGetInfo, protocol.GetInfoGetRuntimePublishedValuesCount, protocol.EncodeGetRuntimePublishedValuesCountRequest(), 2, p.onRPVCount)
		}
		next = p.advanceOrError(StateGetRPVDefinition)

	case StateGetRPVDefinition:
		if stateEntry {
			if !p.rpvCountKnown || p.info.CommParams.MaxTxDataSize == 0 {
				next = StateError
				p.errorMessage = "rpv count or comm params were never received"
				break
			}
			p.maxRPVPerTx = int(p.info.CommParams.MaxTxDataSize) / protocol.BytesPerRPVDefinition
			if p.maxRPVPerTx <= 0 {
				p.maxRPVPerTx = 1
			}
			p.info.RPVDefinitions = nil
		}
		if p.requestFailed {
			next = StateError
			break
		}
		if p.requestPending == 0 && next != StateError {
			already := len(p.info.RPVDefinitions)
			if already < int(p.rpvCount) {
				count := p.maxRPVPerTx
				if remaining := int(p.rpvCount) - already; count > remaining {
					count = remaining
				}
				payload := protocol.EncodeGetRuntimePublishedValuesDefinitionRequest(uint16(already), uint16(count))
				p.submitOne(protocol.CommandGetInfo, protocol.GetInfoGetRuntimePublishedValuesDefine, payload, count*protocol.BytesPerRPVDefinition, p.onRPVDefinition)
			} else {
				next = StateDone
			}
		}

	case StateDone, StateError:
		// Terminal; nothing to do until Stop/Start resets us.
	}

	if next != p.state {
		p.logger.Debug("info poller state transition", "from", p.state, "to", next)
	}
	p.lastState = p.state
	p.state = next
}

const commParamsResponseSize = 2 + 2 + 4 + 4 + 4 + 1

func (p *Poller) advanceOrError(onSuccess State) State {
	if p.requestFailed {
		return StateError
	}
	if p.requestPending == 0 {
		return onSuccess
	}
	return p.state
}

func (p *Poller) submitOne(cmd protocol.Command, subfn byte, payload []byte, responseSize int, onSuccess dispatcher.SuccessCallback) {
	req := protocol.NewRequest(cmd, subfn, payload)
	p.dispatcher.RegisterRequest(req, onSuccess, p.onFailure, nil, nil, p.priority, responseSize)
	p.requestPending++
}

func (p *Poller) submitRegionBatch(regionType protocol.MemoryRegionType, count byte, onSuccess dispatcher.SuccessCallback) {
	for i := byte(0); i < count; i++ {
		payload := protocol.EncodeGetSpecialMemoryRegionLocationRequest(regionType, i)
		req := protocol.NewRequest(protocol.CommandGetInfo, protocol.GetInfoGetSpecialMemoryRegionLocation, payload)
		p.dispatcher.RegisterRequest(req, onSuccess, p.onFailure, nil, nil, p.priority, 2*p.info.CommParams.AddressSizeBytes())
		p.requestPending++
	}
}

func (p *Poller) completeOne() {
	p.requestPending--
	if p.requestPending < 0 {
		p.requestPending = 0
	}
}

func (p *Poller) failWith(format string, args ...any) {
	p.requestFailed = true
	p.errorMessage = fmt.Sprintf(format, args...)
}

func (p *Poller) onFailure(req protocol.Request, _ any) {
	defer p.completeOne()
	if p.stopRequested {
		return
	}
	p.failWith("request failed for state %s", p.state)
}

func (p *Poller) onProtocolVersion(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give protocol version: %s", code)
		return
	}
	v, err := protocol.DecodeProtocolVersionResponse(data)
	if err != nil {
		p.failWith("malformed protocol version response: %v", err)
		return
	}
	p.info.ProtocolVersion = v
}

func (p *Poller) onCommParams(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give communication params: %s", code)
		return
	}
	params, err := protocol.DecodeGetParamsResponse(data)
	if err != nil {
		p.failWith("malformed comm params response: %v", err)
		return
	}
	p.info.CommParams = params
}

func (p *Poller) onSupportedFeatures(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give supported features: %s", code)
		return
	}
	features, err := protocol.DecodeSupportedFeaturesResponse(data)
	if err != nil {
		p.failWith("malformed supported features response: %v", err)
		return
	}
	p.info.Features = features
}

func (p *Poller) onSpecialMemoryRegionCount(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give special region count: %s", code)
		return
	}
	counts, err := protocol.DecodeSpecialMemoryRegionCountResponse(data)
	if err != nil {
		p.failWith("malformed special region count response: %v", err)
		return
	}
	ro, fb := counts.ReadOnly, counts.Forbidden
	p.readonlyCount = &ro
	p.forbiddenCount = &fb
}

func (p *Poller) onForbiddenRegion(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give forbidden region list: %s", code)
		return
	}
	region, err := protocol.DecodeSpecialMemoryRegionLocationResponse(data, p.info.CommParams.AddressSizeBytes())
	if err != nil {
		p.failWith("malformed forbidden region response: %v", err)
		return
	}
	p.info.ForbiddenRegions = append(p.info.ForbiddenRegions, region)
}

func (p *Poller) onReadOnlyRegion(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give readonly region list: %s", code)
		return
	}
	region, err := protocol.DecodeSpecialMemoryRegionLocationResponse(data, p.info.CommParams.AddressSizeBytes())
	if err != nil {
		p.failWith("malformed readonly region response: %v", err)
		return
	}
	p.info.ReadOnlyRegions = append(p.info.ReadOnlyRegions, region)
}

func (p *Poller) onRPVCount(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give RPV count: %s", code)
		return
	}
	count, err := protocol.DecodeRPVCountResponse(data)
	if err != nil {
		p.failWith("malformed RPV count response: %v", err)
		return
	}
	p.rpvCount = count
	p.rpvCountKnown = true
}

func (p *Poller) onRPVDefinition(_ protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	defer p.completeOne()
	if code != protocol.ResponseCodeOK {
		p.failWith("device refused to give RPV definitions: %s", code)
		return
	}
	defs, err := protocol.DecodeRPVDefinitions(data)
	if err != nil {
		p.failWith("malformed RPV definition response: %v", err)
		return
	}
	p.info.RPVDefinitions = append(p.info.RPVDefinitions, defs...)
}
