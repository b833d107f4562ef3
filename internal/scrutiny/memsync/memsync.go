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

// Package memsync implements the Memory Reader/Writer: it scans watched
// datastore entries on a cadence, coalesces their addresses into MemoryControl
// requests bounded by the negotiated comm params, and distributes responses
// back into the datastore.
package memsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/datastore"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

const defaultCycleInterval = 20 * time.Millisecond

// Syncer drives reads of watched entries and writes of pending target
// updates. It must be ticked by Process on every core cycle while the
// device session is READY.
type Syncer struct {
	dispatcher *dispatcher.Dispatcher
	datastore  *datastore.Datastore
	priority   uint8
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	running          bool
	addressSizeBytes int
	maxTxDataSize    uint16
	maxRxDataSize    uint16
	cycleInterval    time.Duration
	lastCycleStart   time.Time

	readRequestsInFlight  int
	writeRequestsInFlight int
}

// New constructs a Syncer. priority is the dispatcher priority every
// MemoryControl request is registered at.
func New(d *dispatcher.Dispatcher, ds *datastore.Datastore, priority uint8, logger *slog.Logger, m *metrics.Metrics) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		dispatcher:    d,
		datastore:     ds,
		priority:      priority,
		logger:        logger,
		metrics:       m,
		tracer:        otel.Tracer("scrutinyd/memsync"),
		cycleInterval: defaultCycleInterval,
	}
}

// SetCommParams supplies the negotiated buffer sizes and address width this
// session's Memory Reader/Writer must stay within. Called once per session,
// when the Info Poller has finished and the FSM moves to READY.
func (s *Syncer) SetCommParams(p protocol.CommParams) {
	s.maxTxDataSize = p.MaxTxDataSize
	s.maxRxDataSize = p.MaxRxDataSize
	s.addressSizeBytes = p.AddressSizeBytes()
}

// SetInterval changes the cadence a new read/write cycle may start at. A
// non-positive interval is ignored.
func (s *Syncer) SetInterval(interval time.Duration) {
	if interval > 0 {
		s.cycleInterval = interval
	}
}

// Start arms the syncer. It begins its first cycle on the next Process call.
func (s *Syncer) Start() {
	s.running = true
	s.lastCycleStart = time.Time{}
}

// Stop disarms the syncer. In-flight dispatcher requests already submitted
// still complete and their callbacks still run; Process becomes a no-op
// until Start is called again.
func (s *Syncer) Stop() {
	s.running = false
}

// Process drives one tick. Writes are submitted ahead of reads each cycle,
// so a host-initiated write lands before a coalesced read of the same
// address could hand back a stale value.
func (s *Syncer) Process(ctx context.Context) {
	if !s.running || s.maxTxDataSize == 0 || s.addressSizeBytes == 0 {
		return
	}
	if time.Since(s.lastCycleStart) < s.cycleInterval {
		return
	}
	s.lastCycleStart = time.Now()

	_, span := s.tracer.Start(ctx, "memsync.process")
	defer span.End()

	s.syncWrites()
	s.syncReads()
}

func (s *Syncer) watchedEntries(kind datastore.Kind) []*datastore.Entry {
	var out []*datastore.Entry
	k := kind
	for _, e := range s.datastore.ListEntries(&k) {
		if e.WatcherCount() > 0 {
			out = append(out, e)
		}
	}
	return out
}

func (s *Syncer) pendingWriteEntries(kind datastore.Kind) []*datastore.Entry {
	var out []*datastore.Entry
	k := kind
	for _, e := range s.datastore.ListEntries(&k) {
		if e.HasPendingWrite() {
			out = append(out, e)
		}
	}
	return out
}

func (s *Syncer) syncReads() {
	if vars := s.watchedEntries(datastore.KindVariable); len(vars) > 0 {
		s.submitVariableReads(vars)
	}
	if rpvs := s.watchedEntries(datastore.KindRPV); len(rpvs) > 0 {
		s.submitRPVReads(rpvs)
	}
}

func (s *Syncer) syncWrites() {
	if vars := s.pendingWriteEntries(datastore.KindVariable); len(vars) > 0 {
		s.submitVariableWrites(vars)
	}
	if rpvs := s.pendingWriteEntries(datastore.KindRPV); len(rpvs) > 0 {
		s.submitRPVWrites(rpvs)
	}
}

// readBlockPlan is one coalesced contiguous memory block, and the entries
// whose values live somewhere inside it.
type readBlockPlan struct {
	address uint64
	length  uint16
	members []readMember
}

type readMember struct {
	entry  *datastore.Entry
	offset int
	size   int
}

// coalesceVariableReads sorts entries by address and merges adjacent or
// overlapping ranges into single blocks, avoiding a separate request per
// entry when several watched variables sit next to each other in memory.
func coalesceVariableReads(entries []*datastore.Entry) []readBlockPlan {
	sorted := append([]*datastore.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var blocks []readBlockPlan
	for _, e := range sorted {
		size := e.Datatype.Size()
		if size == 0 {
			continue
		}
		if len(blocks) > 0 {
			last := &blocks[len(blocks)-1]
			blockEnd := last.address + uint64(last.length)
			if e.Address <= blockEnd {
				if newEnd := e.Address + uint64(size); newEnd > blockEnd {
					last.length = uint16(newEnd - last.address)
				}
				last.members = append(last.members, readMember{entry: e, offset: int(e.Address - last.address), size: size})
				continue
			}
		}
		blocks = append(blocks, readBlockPlan{
			address: e.Address,
			length:  uint16(size),
			members: []readMember{{entry: e, offset: 0, size: size}},
		})
	}
	return blocks
}

// paginateReadBlocks groups coalesced blocks into as many requests as
// needed to keep each request's encoded size within maxTxDataSize and each
// expected response within maxRxDataSize.
func (s *Syncer) paginateReadBlocks(blocks []readBlockPlan) [][]readBlockPlan {
	var pages [][]readBlockPlan
	var page []readBlockPlan
	reqSize, respSize := 0, 0
	for _, b := range blocks {
		thisReq := s.addressSizeBytes + 2
		thisResp := s.addressSizeBytes + int(b.length)
		if len(page) > 0 && (reqSize+thisReq > int(s.maxTxDataSize) || respSize+thisResp > int(s.maxRxDataSize)) {
			pages = append(pages, page)
			page = nil
			reqSize, respSize = 0, 0
		}
		page = append(page, b)
		reqSize += thisReq
		respSize += thisResp
	}
	if len(page) > 0 {
		pages = append(pages, page)
	}
	return pages
}

func (s *Syncer) submitVariableReads(entries []*datastore.Entry) {
	blocks := coalesceVariableReads(entries)
	for _, page := range s.paginateReadBlocks(blocks) {
		s.submitReadPage(page)
	}
}

func (s *Syncer) submitReadPage(page []readBlockPlan) {
	reqBlocks := make([]protocol.MemoryBlockRequest, len(page))
	lengths := make([]uint16, len(page))
	responseSize := 0
	for i, b := range page {
		reqBlocks[i] = protocol.MemoryBlockRequest{Address: b.address, Length: b.length}
		lengths[i] = b.length
		responseSize += s.addressSizeBytes + int(b.length)
	}

	payload := protocol.EncodeMemoryReadRequest(reqBlocks, s.addressSizeBytes)
	req := protocol.NewRequest(protocol.CommandMemoryControl, protocol.MemoryControlRead, payload)

	s.readRequestsInFlight++
	s.dispatcher.RegisterRequest(req,
		func(_ protocol.Request, _ protocol.ResponseCode, data []byte, _ any) {
			s.readRequestsInFlight--
			s.recordRead("variable", true)
			s.onReadResponse(page, lengths, data)
		},
		func(_ protocol.Request, _ any) {
			s.readRequestsInFlight--
			s.recordRead("variable", false)
			s.logger.Warn("memory read request failed")
		},
		nil, nil, s.priority, responseSize)
}

func (s *Syncer) recordRead(kind string, success bool) {
	if s.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	s.metrics.RecordMemsyncRead(kind, outcome)
}

func (s *Syncer) recordWrite(kind string, success bool) {
	if s.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	s.metrics.RecordMemsyncWrite(kind, outcome)
}

func (s *Syncer) onReadResponse(page []readBlockPlan, lengths []uint16, payload []byte) {
	blocks, err := protocol.DecodeMemoryReadResponse(payload, s.addressSizeBytes, lengths)
	if err != nil {
		s.logger.Warn("malformed memory read response", "error", err)
		return
	}
	for i, block := range blocks {
		if i >= len(page) {
			break
		}
		for _, m := range page[i].members {
			if m.offset+m.size > len(block.Data) {
				continue
			}
			raw := block.Data[m.offset : m.offset+m.size]
			value, err := decodeValue(raw, m.entry.Datatype, m.entry.Endianness, m.entry.Bitfield)
			if err != nil {
				s.logger.Warn("failed to decode variable value", "path", m.entry.DisplayPath, "error", err)
				continue
			}
			if err := s.datastore.SetValue(m.entry.ID, value); err != nil {
				s.logger.Warn("failed to set variable value", "path", m.entry.DisplayPath, "error", err)
			}
		}
	}
}

func (s *Syncer) submitRPVReads(entries []*datastore.Entry) {
	ids := make([]uint16, 0, len(entries))
	byID := make(map[uint16]*datastore.Entry, len(entries))
	for _, e := range entries {
		ids = append(ids, e.RPV.ID)
		byID[e.RPV.ID] = e
	}

	payload := protocol.EncodeReadRPVRequest(ids)
	req := protocol.NewRequest(protocol.CommandMemoryControl, protocol.MemoryControlReadRPV, payload)
	responseSize := 0
	for _, e := range entries {
		responseSize += 2 + rpvDatatypeSize(e.RPV.Datatype)
	}

	s.readRequestsInFlight++
	s.dispatcher.RegisterRequest(req,
		func(_ protocol.Request, _ protocol.ResponseCode, data []byte, _ any) {
			s.readRequestsInFlight--
			s.recordRead("rpv", true)
			s.onRPVReadResponse(byID, data)
		},
		func(_ protocol.Request, _ any) {
			s.readRequestsInFlight--
			s.recordRead("rpv", false)
			s.logger.Warn("rpv read request failed")
		},
		nil, nil, s.priority, responseSize)
}

func (s *Syncer) onRPVReadResponse(byID map[uint16]*datastore.Entry, payload []byte) {
	values, err := protocol.DecodeReadRPVResponse(payload, func(id uint16) int {
		e, ok := byID[id]
		if !ok {
			return 0
		}
		return rpvDatatypeSize(e.RPV.Datatype)
	})
	if err != nil {
		s.logger.Warn("malformed rpv read response", "error", err)
		return
	}
	for _, v := range values {
		e, ok := byID[v.ID]
		if !ok {
			continue
		}
		value, err := decodeValue(v.Data, rpvDataType(e.RPV.Datatype), wire.BigEndian, nil)
		if err != nil {
			s.logger.Warn("failed to decode rpv value", "rpv_id", v.ID, "error", err)
			continue
		}
		if err := s.datastore.SetValue(e.ID, value); err != nil {
			s.logger.Warn("failed to set rpv value", "rpv_id", v.ID, "error", err)
		}
	}
}

func (s *Syncer) submitVariableWrites(entries []*datastore.Entry) {
	for _, e := range entries {
		pending := e.ClaimPendingWrite()
		if pending == nil {
			continue
		}
		s.submitVariableWrite(e, pending)
	}
}

func (s *Syncer) submitVariableWrite(e *datastore.Entry, pending *datastore.PendingWrite) {
	raw, err := encodeValue(pending.Value, e.Datatype, e.Endianness)
	if err != nil {
		s.logger.Warn("failed to encode variable write", "path", e.DisplayPath, "error", err)
		pending.Complete(false)
		return
	}

	block := protocol.MemoryBlockRequest{Address: e.Address, Data: raw}
	var payload []byte
	var subfn byte
	if e.Bitfield != nil {
		mask := bitfieldMask(e.Datatype, e.Bitfield, e.Endianness)
		payload = protocol.EncodeMemoryWriteMaskedRequest([]protocol.MemoryBlockRequest{block}, [][]byte{mask}, s.addressSizeBytes)
		subfn = protocol.MemoryControlWriteMasked
	} else {
		payload = protocol.EncodeMemoryWriteRequest([]protocol.MemoryBlockRequest{block}, s.addressSizeBytes)
		subfn = protocol.MemoryControlWrite
	}

	req := protocol.NewRequest(protocol.CommandMemoryControl, subfn, payload)
	responseSize := s.addressSizeBytes + 2

	s.writeRequestsInFlight++
	s.dispatcher.RegisterRequest(req,
		func(_ protocol.Request, _ protocol.ResponseCode, _ []byte, _ any) {
			s.writeRequestsInFlight--
			s.recordWrite("variable", true)
			pending.Complete(true)
		},
		func(_ protocol.Request, _ any) {
			s.writeRequestsInFlight--
			s.recordWrite("variable", false)
			pending.Complete(false)
		},
		nil, nil, s.priority, responseSize)
}

func (s *Syncer) submitRPVWrites(entries []*datastore.Entry) {
	for _, e := range entries {
		pending := e.ClaimPendingWrite()
		if pending == nil {
			continue
		}
		s.submitRPVWrite(e, pending)
	}
}

func (s *Syncer) submitRPVWrite(e *datastore.Entry, pending *datastore.PendingWrite) {
	raw, err := encodeValue(pending.Value, rpvDataType(e.RPV.Datatype), wire.BigEndian)
	if err != nil {
		s.logger.Warn("failed to encode rpv write", "rpv_id", e.RPV.ID, "error", err)
		pending.Complete(false)
		return
	}

	payload := protocol.EncodeWriteRPVRequest([]protocol.RPVValue{{ID: e.RPV.ID, Data: raw}})
	req := protocol.NewRequest(protocol.CommandMemoryControl, protocol.MemoryControlWriteRPV, payload)

	s.writeRequestsInFlight++
	s.dispatcher.RegisterRequest(req,
		func(_ protocol.Request, _ protocol.ResponseCode, _ []byte, _ any) {
			s.writeRequestsInFlight--
			s.recordWrite("rpv", true)
			pending.Complete(true)
		},
		func(_ protocol.Request, _ any) {
			s.writeRequestsInFlight--
			s.recordWrite("rpv", false)
			pending.Complete(false)
		},
		nil, nil, s.priority, 2)
}

// rpvDataType maps an RPVDefinition's wire datatype byte onto the same
// DataType enum Variable entries use, since both are decoded and encoded by
// the same codepath. The byte values mirror DataType's own ordering; they
// are this package's own convention, not a value the retrieval pack defines.
func rpvDataType(b byte) datastore.DataType {
	return datastore.DataType(b)
}

func rpvDatatypeSize(b byte) int {
	return rpvDataType(b).Size()
}

func bitfieldMask(dt datastore.DataType, bf *datastore.Bitfield, e wire.Endianness) []byte {
	size := dt.Size()
	maskValue := (uint64(1)<<bf.BitSize - 1) << bf.BitOffset
	return encodeUint(maskValue, size, e)
}

func encodeUint(v uint64, size int, e wire.Endianness) []byte {
	switch size {
	case 1:
		return []byte{byte(v)}
	case 2:
		return wire.EncodeUint16(uint16(v), e)
	case 4:
		return wire.EncodeUint32(uint32(v), e)
	case 8:
		return wire.EncodeUint64(v, e)
	default:
		return make([]byte, size)
	}
}

func applyBitfield(v uint64, bf *datastore.Bitfield) uint64 {
	if bf == nil {
		return v
	}
	mask := uint64(1)<<bf.BitSize - 1
	return (v >> bf.BitOffset) & mask
}

func decodeValue(raw []byte, dt datastore.DataType, e wire.Endianness, bf *datastore.Bitfield) (any, error) {
	switch dt {
	case datastore.DataTypeUInt8:
		return applyBitfield(uint64(raw[0]), bf), nil
	case datastore.DataTypeUInt16:
		return applyBitfield(uint64(wire.DecodeUint16(raw, e)), bf), nil
	case datastore.DataTypeUInt32:
		return applyBitfield(uint64(wire.DecodeUint32(raw, e)), bf), nil
	case datastore.DataTypeUInt64:
		return applyBitfield(wire.DecodeUint64(raw, e), bf), nil
	case datastore.DataTypeSInt8:
		return int64(int8(raw[0])), nil
	case datastore.DataTypeSInt16:
		return int64(wire.DecodeInt16(raw, e)), nil
	case datastore.DataTypeSInt32:
		return int64(wire.DecodeInt32(raw, e)), nil
	case datastore.DataTypeSInt64:
		return wire.DecodeInt64(raw, e), nil
	case datastore.DataTypeFloat32:
		return float64(wire.DecodeFloat32(raw, e)), nil
	case datastore.DataTypeFloat64:
		return wire.DecodeFloat64(raw, e), nil
	case datastore.DataTypeBoolean:
		return wire.DecodeBool(raw[0]), nil
	default:
		return nil, fmt.Errorf("memsync: unsupported datatype %v", dt)
	}
}

// encodeValue packs a Go value produced by UpdateTargetValue (always a
// float64, per Datastore's user-facing API) into its wire representation.
func encodeValue(value any, dt datastore.DataType, e wire.Endianness) ([]byte, error) {
	f, ok := value.(float64)
	if !ok {
		return nil, fmt.Errorf("memsync: pending write value %T is not a float64", value)
	}
	size := dt.Size()
	if size == 0 {
		return nil, fmt.Errorf("memsync: unsupported datatype %v", dt)
	}
	switch dt {
	case datastore.DataTypeFloat32:
		return wire.EncodeFloat32(float32(f), e), nil
	case datastore.DataTypeFloat64:
		return wire.EncodeFloat64(f, e), nil
	case datastore.DataTypeBoolean:
		return []byte{wire.EncodeBool(f != 0)}, nil
	case datastore.DataTypeSInt8, datastore.DataTypeSInt16, datastore.DataTypeSInt32, datastore.DataTypeSInt64:
		return encodeUint(uint64(int64(f)), size, e), nil
	default:
		return encodeUint(uint64(f), size, e), nil
	}
}
