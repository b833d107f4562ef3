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

// Package devicefsm implements the top-level device handler FSM: it pumps
// the dispatcher through the frame exchanger, drives the Searcher, Heartbeat
// Generator, and Info Poller through the connection lifecycle, and records
// session ownership in the KV store while READY.
package devicefsm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/kv"
	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/pubsub"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/discovery"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/exchanger"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/heartbeat"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/infopoller"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/link"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

// State is a step of the device handler FSM.
type State int

const (
	StateInit State = iota
	StateDiscovering
	StateConnecting
	StatePollingInfo
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateDiscovering:
		return "Discovering"
	case StateConnecting:
		return "Connecting"
	case StatePollingInfo:
		return "PollingInfo"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Datastore is the narrow slice of the datastore's lifecycle this FSM
// drives directly: clearing session-scoped state on every (re)connect and
// again when a session ends, and
// registering the RPV definitions the Info Poller discovers. Kept as an
// interface here so this package never imports the datastore package.
type Datastore interface {
	ResetSession()
	RegisterRPVs(defs []protocol.RPVDefinition)
}

// MemSync is the narrow slice of the Memory Reader/Writer's lifecycle this
// FSM drives directly: arming it with the negotiated comm params once a
// session is established, ticking it every READY cycle, and disarming it on
// any reset. Kept as an interface here so this package never imports the
// memsync package.
type MemSync interface {
	SetCommParams(p protocol.CommParams)
	Start()
	Stop()
	Process(ctx context.Context)
}

const (
	disconnectPriority        = 254
	connectCooldown           = 1 * time.Second
	sessionKeyPrefix          = "scrutinyd:session:"
	sessionLeaseTTL           = 30 * time.Second
	sessionLeaseRenewInterval = 10 * time.Second
	stateChangedTopic         = "fsm.state_changed"

	// commErrorThreshold is how many consecutive decode errors (bad CRC,
	// malformed payload, or command mismatch) the FSM tolerates before
	// giving up on the session and forcing a reconnect, same as a real
	// response timeout. A genuine timeout forces the reconnect immediately;
	// decode errors get a few retries first since a single corrupted frame
	// on an otherwise healthy link shouldn't tear down the session.
	commErrorThreshold = 3
)

// FSM drives the device connection lifecycle. It must be ticked by Process
// on every core cycle.
type FSM struct {
	cfg        *config.Config
	link       link.Link
	dispatcher *dispatcher.Dispatcher
	exchanger  *exchanger.Exchanger
	searcher   *discovery.Searcher
	heartbeat  *heartbeat.Generator
	poller     *infopoller.Poller
	datastore  Datastore
	memsync    MemSync
	kv         kv.KV
	pubsub     pubsub.PubSub
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	instanceID string

	state     State
	lastState State

	commBroken     bool
	commErrorCount int
	connected      bool
	deviceID       []byte
	deviceIDKnown  bool
	sessionID      uint32

	activeRecord *dispatcher.RequestRecord

	connectSent   bool
	cooldownUntil time.Time

	disconnectRequested bool
	disconnectSent      bool
	disconnectCompleted bool

	lastLeaseRenew time.Time
}

// Params groups the collaborators the FSM coordinates. Datastore, MemSync,
// KV, and PubSub may be nil: a nil Datastore skips session-state hooks, a
// nil MemSync skips memory sync entirely, a nil KV skips session-lease
// bookkeeping, a nil PubSub skips state-change events.
type Params struct {
	Config     *config.Config
	Link       link.Link
	Dispatcher *dispatcher.Dispatcher
	Exchanger  *exchanger.Exchanger
	Searcher   *discovery.Searcher
	Heartbeat  *heartbeat.Generator
	Poller     *infopoller.Poller
	Datastore  Datastore
	MemSync    MemSync
	KV         kv.KV
	PubSub     pubsub.PubSub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	InstanceID string
}

// New constructs an FSM from its collaborators.
func New(p Params) *FSM {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		cfg:        p.Config,
		link:       p.Link,
		dispatcher: p.Dispatcher,
		exchanger:  p.Exchanger,
		searcher:   p.Searcher,
		heartbeat:  p.Heartbeat,
		poller:     p.Poller,
		datastore:  p.Datastore,
		memsync:    p.MemSync,
		kv:         p.KV,
		pubsub:     p.PubSub,
		metrics:    p.Metrics,
		logger:     logger,
		tracer:     otel.Tracer("scrutinyd/devicefsm"),
		instanceID: p.InstanceID,
	}
}

// State reports the FSM's current state.
func (f *FSM) State() State {
	return f.state
}

// Connected reports whether a device session is currently established.
func (f *FSM) Connected() bool {
	return f.connected
}

// Disconnect requests a clean, one-shot disconnect from READY. It is a
// no-op outside READY or if a disconnect is already in flight.
func (f *FSM) Disconnect() {
	if f.state != StateReady || f.disconnectSent {
		return
	}
	f.disconnectRequested = true
}

// Process advances the FSM by one step. Call it on every core tick.
func (f *FSM) Process(ctx context.Context) {
	ctx, span := f.tracer.Start(ctx, "devicefsm.process")
	defer span.End()

	f.exchanger.Process()
	f.pumpDispatcher()

	prior := f.state
	if f.commBroken {
		f.state = StateInit
	}
	if f.connected && f.cfg.Timing.HeartbeatTimeout > 0 &&
		time.Since(f.heartbeat.LastValidHeartbeatTimestamp()) > f.cfg.Timing.HeartbeatTimeout {
		f.logger.Warn("heartbeat liveness timeout, resetting communication")
		f.commBroken = true
		f.state = StateInit
	}
	if f.state != prior {
		f.logger.Info("fsm transition", "from", prior, "to", f.state)
		span.AddEvent("fsm_transition", trace.WithAttributes(
			attribute.String("from", prior.String()),
			attribute.String("to", f.state.String()),
		))
		if f.metrics != nil {
			f.metrics.RecordFSMTransition(prior.String(), f.state.String())
		}
		f.publishTransition(prior, f.state)
		if prior == StateReady {
			f.releaseSessionLease(ctx)
		}
	}

	stateEntry := f.state != f.lastState
	next := f.state

	switch f.state {
	case StateInit:
		next = f.processInit()
	case StateDiscovering:
		next = f.processDiscovering(stateEntry)
	case StateConnecting:
		next = f.processConnecting(stateEntry)
	case StatePollingInfo:
		next = f.processPollingInfo(stateEntry)
	case StateReady:
		next = f.processReady(ctx, stateEntry)
	}

	if next != f.state {
		f.logger.Info("fsm transition", "from", f.state, "to", next)
		span.AddEvent("fsm_transition", trace.WithAttributes(
			attribute.String("from", f.state.String()),
			attribute.String("to", next.String()),
		))
		if f.metrics != nil {
			f.metrics.RecordFSMTransition(f.state.String(), next.String())
		}
		f.publishTransition(f.state, next)
		if next == StateReady {
			f.claimSessionLease(ctx)
		} else if f.state == StateReady {
			f.releaseSessionLease(ctx)
		}
	} else if f.state == StateReady {
		f.renewSessionLeaseIfDue(ctx)
	}

	f.lastState = f.state
	f.state = next

	// Flush whatever this tick's state-machine step just queued (a direct
	// Connect/Disconnect send or a newly dispatched request) instead of
	// waiting for the next tick to push bytes onto the link.
	f.exchanger.Process()
}

// pumpDispatcher hands the active dispatcher record to the exchanger and
// completes it once a response or timeout arrives. While the exchanger is
// busy with an exchange this FSM sent directly (Connect), the dispatcher
// leaves it alone; that direct exchange is read back by the state that
// started it.
func (f *FSM) pumpDispatcher() {
	if f.activeRecord != nil {
		switch {
		case f.exchanger.HasTimedOut():
			decodeErr := f.exchanger.DecodeError()
			f.exchanger.ClearTimeout()
			f.activeRecord.Complete(false, 0, nil)
			f.activeRecord = nil
			if decodeErr {
				f.bumpCommErrorCount()
			} else {
				f.commBroken = true
			}
		case f.exchanger.ResponseAvailable():
			resp, _ := f.exchanger.GetResponse()
			f.activeRecord.Complete(resp.Code == protocol.ResponseCodeOK, resp.Code, resp.Payload)
			f.activeRecord = nil
			f.commErrorCount = 0
		}
		return
	}
	if f.exchanger.WaitingResponse() {
		return
	}
	rec := f.dispatcher.Next()
	if rec == nil {
		return
	}
	if err := f.exchanger.SendRequest(rec.Request); err != nil {
		f.logger.Warn("failed to send dispatched request", "error", err)
		rec.Complete(false, 0, nil)
		return
	}
	f.activeRecord = rec
}

func (f *FSM) processInit() State {
	if !f.cooldownUntil.IsZero() && time.Now().Before(f.cooldownUntil) {
		return StateInit
	}
	f.cooldownUntil = time.Time{}
	f.resetComm()
	return StateDiscovering
}

// bumpCommErrorCount records a tolerated decode error and forces the
// communication link down once repeated occurrences cross commErrorThreshold.
func (f *FSM) bumpCommErrorCount() {
	f.commErrorCount++
	f.logger.Warn("decode error on device response", "comm_error_count", f.commErrorCount, "threshold", commErrorThreshold)
	if f.commErrorCount >= commErrorThreshold {
		f.logger.Warn("comm_error_count threshold reached, forcing reconnect")
		f.commBroken = true
	}
}

func (f *FSM) resetComm() {
	if f.commBroken && f.deviceIDKnown {
		f.logger.Info("communication with device stopped, restarting")
	}
	f.commBroken = false
	f.commErrorCount = 0
	if f.connected && f.datastore != nil {
		f.datastore.ResetSession()
	}
	f.connected = false
	f.deviceID = nil
	f.deviceIDKnown = false
	f.sessionID = 0
	f.activeRecord = nil
	f.connectSent = false
	f.disconnectRequested = false
	f.disconnectSent = false
	f.disconnectCompleted = false
	f.searcher.Stop()
	f.heartbeat.Stop()
	f.poller.Stop()
	if f.memsync != nil {
		f.memsync.Stop()
	}
	f.exchanger.Reset()
}

func (f *FSM) processDiscovering(stateEntry bool) State {
	if stateEntry {
		if err := f.searcher.Start(); err != nil {
			f.logger.Warn("failed to start device searcher", "error", err)
		}
	}

	if found, ok := f.searcher.GetFoundDevice(); ok && !f.deviceIDKnown {
		f.deviceID = found.FirmwareID
		f.deviceIDKnown = true
		f.logger.Info("found a device", "display_name", found.DisplayName)
		if isPlaceholderFirmwareID(found.FirmwareID) {
			f.logger.Warn("firmware id is a default placeholder; firmware may not have been tagged with a valid id in the build toolchain")
		}
	}

	if !f.deviceIDKnown {
		return StateDiscovering
	}
	f.searcher.Stop()
	return StateConnecting
}

// isPlaceholderFirmwareID reports whether id is the all-same-byte default a
// device reports when its build toolchain never stamped a real firmware id.
func isPlaceholderFirmwareID(id []byte) bool {
	if len(id) == 0 {
		return false
	}
	first := id[0]
	for _, b := range id[1:] {
		if b != first {
			return false
		}
	}
	return true
}

func (f *FSM) processConnecting(stateEntry bool) State {
	if stateEntry {
		f.exchanger.Reset()
		f.connectSent = false
	}

	if !f.connectSent {
		payload := protocol.EncodeConnectRequest(protocol.ConnectMagic)
		req := protocol.NewRequest(protocol.CommandCommControl, protocol.CommControlConnect, payload)
		if err := f.exchanger.SendRequest(req); err != nil {
			f.logger.Warn("failed to send connect request", "error", err)
			return StateConnecting
		}
		f.connectSent = true
		return StateConnecting
	}

	if f.exchanger.HasTimedOut() {
		decodeErr := f.exchanger.DecodeError()
		f.exchanger.ClearTimeout()
		if decodeErr {
			f.bumpCommErrorCount()
			if f.commBroken {
				f.cooldownUntil = time.Now().Add(connectCooldown)
				return StateInit
			}
			// Tolerated: resend the connect request rather than tearing
			// the session down over one corrupted frame.
			f.connectSent = false
			return StateConnecting
		}
		f.logger.Warn("connect request timed out")
		f.cooldownUntil = time.Now().Add(connectCooldown)
		return StateInit
	}
	if !f.exchanger.ResponseAvailable() {
		return StateConnecting
	}

	resp, _ := f.exchanger.GetResponse()
	switch resp.Code {
	case protocol.ResponseCodeOK:
		magic, sessionID, err := protocol.DecodeConnectResponse(resp.Payload)
		if err != nil || magic != protocol.ConnectMagic {
			f.logger.Warn("malformed connect response", "error", err)
			f.cooldownUntil = time.Now().Add(connectCooldown)
			return StateInit
		}
		f.commErrorCount = 0
		f.sessionID = sessionID
		f.connected = true
		f.logger.Debug("session established", "session_id", sessionID)

		f.heartbeat.SetSessionID(sessionID)
		if err := f.heartbeat.SetInterval(f.cfg.Timing.HeartbeatInterval); err != nil {
			f.logger.Warn("failed to set heartbeat interval", "error", err)
		}
		if err := f.heartbeat.Start(); err != nil {
			f.logger.Warn("failed to start heartbeat", "error", err)
		}
		if f.datastore != nil {
			f.datastore.ResetSession()
		}
		f.poller.Start()
		return StatePollingInfo
	case protocol.ResponseCodeBusy:
		f.logger.Debug("device busy, will retry connect after cooldown")
		f.cooldownUntil = time.Now().Add(connectCooldown)
		return StateInit
	default:
		f.logger.Warn("connect refused", "code", resp.Code)
		f.cooldownUntil = time.Now().Add(connectCooldown)
		return StateInit
	}
}

func (f *FSM) processPollingInfo(stateEntry bool) State {
	if stateEntry {
		f.poller.Start()
	}
	f.poller.Process()

	if f.poller.IsError() {
		f.logger.Warn("info poller failed", "error", f.poller.ErrorMessage())
		return StateInit
	}
	if !f.poller.Done() {
		return StatePollingInfo
	}

	info := f.poller.GetDeviceInfo()
	if f.datastore != nil {
		f.datastore.RegisterRPVs(info.RPVDefinitions)
	}
	if f.memsync != nil {
		f.memsync.SetCommParams(info.CommParams)
		f.memsync.Start()
	}
	return StateReady
}

func (f *FSM) processReady(ctx context.Context, stateEntry bool) State {
	if stateEntry {
		f.logger.Info("device ready", "session_id", f.sessionID)
	}

	if f.link != nil && !f.link.Operational() {
		f.logger.Warn("link not operational, resetting communication")
		return StateInit
	}

	if f.memsync != nil {
		f.memsync.Process(ctx)
	}

	if f.disconnectRequested && !f.disconnectSent {
		f.sendDisconnect()
	}
	if f.disconnectCompleted {
		f.logger.Info("clean disconnect complete")
		return StateInit
	}

	return StateReady
}

func (f *FSM) sendDisconnect() {
	payload := protocol.EncodeDisconnectRequest(f.sessionID)
	req := protocol.NewRequest(protocol.CommandCommControl, protocol.CommControlDisconnect, payload)
	f.dispatcher.RegisterRequest(req, f.onDisconnectComplete, f.onDisconnectFailed, nil, nil, disconnectPriority, 0)
	f.disconnectSent = true
}

func (f *FSM) onDisconnectComplete(_ protocol.Request, _ protocol.ResponseCode, _ []byte, _ any) {
	f.disconnectCompleted = true
}

func (f *FSM) onDisconnectFailed(_ protocol.Request, _ any) {
	f.disconnectCompleted = true
}

func (f *FSM) claimSessionLease(ctx context.Context) {
	if f.kv == nil || !f.deviceIDKnown {
		return
	}
	key := f.sessionKey()
	value := []byte(fmt.Sprintf("%s:%d", f.instanceID, f.sessionID))
	if err := f.kv.Set(ctx, key, value); err != nil {
		f.logger.Warn("failed to claim session lease", "error", err)
		return
	}
	if err := f.kv.Expire(ctx, key, sessionLeaseTTL); err != nil {
		f.logger.Warn("failed to set session lease ttl", "error", err)
	}
	f.lastLeaseRenew = time.Now()
}

func (f *FSM) renewSessionLeaseIfDue(ctx context.Context) {
	if f.kv == nil {
		return
	}
	if time.Since(f.lastLeaseRenew) < sessionLeaseRenewInterval {
		return
	}
	f.claimSessionLease(ctx)
}

func (f *FSM) releaseSessionLease(ctx context.Context) {
	if f.kv == nil || !f.deviceIDKnown {
		return
	}
	if err := f.kv.Delete(ctx, f.sessionKey()); err != nil {
		f.logger.Warn("failed to release session lease", "error", err)
	}
}

func (f *FSM) sessionKey() string {
	return sessionKeyPrefix + hex.EncodeToString(f.deviceID)
}

type stateChangedEvent struct {
	From     string `json:"from"`
	To       string `json:"to"`
	DeviceID string `json:"device_id,omitempty"`
}

func (f *FSM) publishTransition(from, to State) {
	if f.pubsub == nil {
		return
	}
	evt := stateChangedEvent{From: from.String(), To: to.String()}
	if f.deviceIDKnown {
		evt.DeviceID = hex.EncodeToString(f.deviceID)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := f.pubsub.Publish(stateChangedTopic, data); err != nil {
		f.logger.Debug("failed to publish fsm state change", "error", err)
	}
}
