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

package devicefsm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/devicefsm"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/discovery"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/exchanger"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/heartbeat"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/infopoller"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/link"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

// fakeDatastore records the two session-lifecycle hooks the FSM drives.
type fakeDatastore struct {
	mu         sync.Mutex
	resetCount int
	rpvs       []protocol.RPVDefinition
}

func (f *fakeDatastore) ResetSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCount++
}

func (f *fakeDatastore) RegisterRPVs(defs []protocol.RPVDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpvs = append([]protocol.RPVDefinition(nil), defs...)
}

func (f *fakeDatastore) resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCount
}

// fakeDevice emulates the minimum a real device must answer to walk the FSM
// all the way to READY and back: Discover, Connect, GetParams, Heartbeat,
// Disconnect, and the GetInfo queries for protocol version, features,
// special region count and RPV count. The region and RPV counts are zero, so
// the Info Poller falls straight through to Done without ever needing to
// poll a region or RPV definition.
type fakeDevice struct {
	firmwareID  []byte
	displayName string
	sessionID   uint32

	// corruptConnectResponses counts down how many upcoming Connect
	// responses get their CRC flipped before a real one is sent, to
	// exercise the FSM's decode-error tolerance on the direct Connect
	// exchange.
	corruptConnectResponses int
}

func encodeDiscoverResponsePayload(firmwareID []byte, name string) []byte {
	payload := wire.EncodeUint32(protocol.DiscoverMagic, wire.BigEndian)
	payload = append(payload, byte(len(name)))
	payload = append(payload, firmwareID...)
	payload = append(payload, []byte(name)...)
	return payload
}

// step drains one pending request from the link, if any, and answers it.
func (dev *fakeDevice) step(t *testing.T, lk *link.LoopbackLink) {
	t.Helper()
	data := lk.PeerRead()
	if len(data) == 0 {
		return
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		t.Fatalf("fake device received malformed request: %v", err)
	}

	var resp protocol.Response
	switch {
	case req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlDiscover:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK,
			encodeDiscoverResponsePayload(dev.firmwareID, dev.displayName))

	case req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlConnect:
		dev.sessionID = 0xCAFEBABE
		payload := append(wire.EncodeUint32(protocol.ConnectMagic, wire.BigEndian),
			wire.EncodeUint32(dev.sessionID, wire.BigEndian)...)
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, payload)

	case req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlHeartbeat:
		_, challenge, err := protocol.DecodeHeartbeatResponse(req.Payload)
		if err != nil {
			t.Fatalf("fake device: malformed heartbeat request: %v", err)
		}
		payload := protocol.EncodeHeartbeatRequest(dev.sessionID, protocol.HeartbeatExpectedResponse(challenge))
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, payload)

	case req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlGetParams:
		payload := []byte{
			0x00, 0x40, // max_rx_data_size
			0x00, 0x40, // max_tx_data_size
			0x00, 0x01, 0x00, 0x00, // max_bitrate_bps
			0x00, 0x00, 0x27, 0x10, // heartbeat_timeout_us
			0x00, 0x00, 0x13, 0x88, // rx_timeout_us
			0x20, // address_size_bits = 32
		}
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, payload)

	case req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlDisconnect:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, nil)

	case req.Command == protocol.CommandGetInfo && req.Subfn == protocol.GetInfoGetProtocolVersion:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, []byte{1, 0})

	case req.Command == protocol.CommandGetInfo && req.Subfn == protocol.GetInfoGetSupportedFeatures:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, []byte{0})

	case req.Command == protocol.CommandGetInfo && req.Subfn == protocol.GetInfoGetSpecialMemoryRegionCount:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, []byte{0, 0})

	case req.Command == protocol.CommandGetInfo && req.Subfn == protocol.GetInfoGetRuntimePublishedValuesCount:
		resp = protocol.NewResponse(req.Command, req.Subfn, protocol.ResponseCodeOK, []byte{0, 0})

	default:
		t.Fatalf("fake device received unexpected request: command=%v subfn=%d", req.Command, req.Subfn)
	}

	frame, err := resp.Encode()
	if err != nil {
		t.Fatalf("fake device failed to encode response: %v", err)
	}
	if req.Command == protocol.CommandCommControl && req.Subfn == protocol.CommControlConnect &&
		dev.corruptConnectResponses > 0 {
		dev.corruptConnectResponses--
		frame[len(frame)-1] ^= 0xFF
	}
	lk.PeerWrite(frame)
}

type stack struct {
	fsm  *devicefsm.FSM
	link *link.LoopbackLink
	ds   *fakeDatastore
	dev  *fakeDevice
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 8192
	cfg.Dispatcher.RxSizeLimit = 8192
	cfg.Timing.ResponseTimeout = 300 * time.Millisecond
	cfg.Timing.HeartbeatInterval = 20 * time.Millisecond
	cfg.Timing.HeartbeatTimeout = 2 * time.Second

	lk := link.NewLoopbackLink()
	d := dispatcher.New(cfg, nil, nil)
	ex := exchanger.New(lk, cfg.Timing.ResponseTimeout, nil, nil)

	searcher := discovery.New(d, nil)
	searcher.SetInterval(5 * time.Millisecond)
	hb := heartbeat.New(d, nil)
	poller := infopoller.New(d, 100, nil)
	ds := &fakeDatastore{}

	fsm := devicefsm.New(devicefsm.Params{
		Config:     cfg,
		Link:       lk,
		Dispatcher: d,
		Exchanger:  ex,
		Searcher:   searcher,
		Heartbeat:  hb,
		Poller:     poller,
		Datastore:  ds,
		InstanceID: "test-instance",
	})

	return &stack{
		fsm:  fsm,
		link: lk,
		ds:   ds,
		dev:  &fakeDevice{firmwareID: []byte{0xAA, 0xBB, 0xCC, 0xDD}, displayName: "unit-test-device"},
	}
}

// run ticks the FSM and the fake device together until until returns true
// or the deadline elapses.
func (s *stack) run(t *testing.T, deadline time.Duration, until func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	ctx := context.Background()
	for time.Now().Before(end) {
		s.fsm.Process(ctx)
		s.dev.step(t, s.link)
		if until() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition, fsm state=%s", s.fsm.State())
}

func TestFSMReachesReady(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateReady })

	if !s.fsm.Connected() {
		t.Fatal("expected FSM to report connected once READY")
	}
	if s.ds.resets() != 1 {
		t.Fatalf("expected exactly one session reset, got %d", s.ds.resets())
	}
}

func TestFSMHeartbeatLivenessResetsOnLinkFailure(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateReady })

	s.link.SetOperational(false)
	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateInit })

	if s.fsm.Connected() {
		t.Fatal("expected FSM to no longer report connected after link failure")
	}
}

func TestFSMDisconnectReturnsToInit(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateReady })

	s.fsm.Disconnect()
	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateInit })
}

// TestFSMToleratesTransientConnectDecodeErrors exercises spec.md §7's
// comm_error_count tolerance: a handful of corrupted Connect responses on
// the direct, non-dispatcher Connect exchange must not tear the attempt
// down, only repeated ones should.
func TestFSMToleratesTransientConnectDecodeErrors(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	s.dev.corruptConnectResponses = 2

	s.run(t, 2*time.Second, func() bool { return s.fsm.State() == devicefsm.StateReady })

	if !s.fsm.Connected() {
		t.Fatal("expected FSM to reach READY despite transient connect decode errors")
	}
}

// TestFSMRecoversAfterRepeatedConnectDecodeErrors drives enough corrupted
// Connect responses to cross comm_error_count's threshold and forces a
// reconnect; the FSM must not get permanently stuck in CONNECTING (the bug
// flagged in review) and must eventually reach READY once the device stops
// corrupting its responses.
func TestFSMRecoversAfterRepeatedConnectDecodeErrors(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	s.dev.corruptConnectResponses = 10

	s.run(t, 8*time.Second, func() bool { return s.fsm.State() == devicefsm.StateReady })

	if !s.fsm.Connected() {
		t.Fatal("expected FSM to self-heal and reach READY after repeated connect decode errors")
	}
}
