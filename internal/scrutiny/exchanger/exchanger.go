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

// Package exchanger implements the framed request/response exchange over a
// single Link: at most one request is ever in flight, matching the
// single-threaded embedded agent on the other end of the wire.
package exchanger

import (
	"errors"
	"log/slog"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/link"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

var ErrRequestAlreadyActive = errors.New("exchanger: a request is already active")

const noDeclaredLength = -1

// Exchanger pumps one Link and reassembles exactly one in-flight response at
// a time.
type Exchanger struct {
	link            link.Link
	responseTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	activeRequest    *protocol.Request
	receivedResponse *protocol.Response

	rxBuffer         []byte
	rxDeclaredLength int

	responseDeadline time.Time
	timedOut         bool
	decodeError      bool
}

// New constructs an Exchanger over the given Link. metrics may be nil, in
// which case frame counters are simply not recorded.
func New(l link.Link, responseTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		link:             l,
		responseTimeout:  responseTimeout,
		logger:           logger,
		metrics:          m,
		rxDeclaredLength: noDeclaredLength,
	}
}

// SendRequest serializes and writes req, starting the response timer. It
// fails if a request is already active.
func (e *Exchanger) SendRequest(req protocol.Request) error {
	if e.activeRequest != nil {
		return ErrRequestAlreadyActive
	}
	frame, err := req.Encode()
	if err != nil {
		return err
	}
	e.activeRequest = &req
	e.receivedResponse = nil
	e.link.Write(frame)
	e.responseDeadline = time.Now().Add(e.responseTimeout)
	e.timedOut = false
	e.decodeError = false
	if e.metrics != nil {
		e.metrics.FramesSentTotal.Inc()
	}
	e.logger.Debug("sent request", "command", req.Command, "subfn", req.Subfn)
	return nil
}

// Process pumps the link, appends any new bytes to the receive buffer, and
// advances the frame parser. It must be called on every core tick.
func (e *Exchanger) Process() {
	e.link.Process()

	if e.WaitingResponse() && (time.Now().After(e.responseDeadline) || !e.link.Operational()) {
		e.resetRx()
		e.timedOut = true
		e.decodeError = false
	}

	data := e.link.Read()
	if len(data) == 0 {
		return
	}

	if e.ResponseAvailable() || !e.WaitingResponse() {
		e.logger.Debug("discarding unwanted data", "bytes", len(data))
		return
	}

	e.rxBuffer = append(e.rxBuffer, data...)

	if e.rxDeclaredLength == noDeclaredLength && len(e.rxBuffer) >= wire.ResponseHeaderLength {
		e.rxDeclaredLength = wire.ResponseDeclaredLength(e.rxBuffer)
	}

	if e.rxDeclaredLength == noDeclaredLength {
		return
	}

	expected := wire.ResponseHeaderLength + e.rxDeclaredLength + wire.CRCLength
	if len(e.rxBuffer) < expected {
		return
	}
	e.rxBuffer = e.rxBuffer[:expected]

	resp, err := protocol.DecodeResponse(e.rxBuffer)
	if err != nil {
		e.logger.Warn("received malformed response", "error", err)
		if e.metrics != nil {
			e.metrics.FrameDecodeErrorTotal.Inc()
		}
		e.resetRx()
		// A CRC/parse failure is as terminal for this exchange as a timeout:
		// give callers the same observable signal so they don't wait forever
		// on a response that will never arrive. decodeError lets callers tell
		// this apart from a bare timeout, since repeated decode failures get
		// tolerated (comm_error_count) before forcing a reconnect.
		e.timedOut = true
		e.decodeError = true
		return
	}

	if !resp.Matches(*e.activeRequest) {
		e.logger.Warn("response command/subfunction mismatch",
			"want_command", e.activeRequest.Command, "want_subfn", e.activeRequest.Subfn,
			"got_command", resp.Command, "got_subfn", resp.Subfn)
		if e.metrics != nil {
			e.metrics.FrameDecodeErrorTotal.Inc()
		}
		e.resetRx()
		e.timedOut = true
		e.decodeError = true
		return
	}

	e.receivedResponse = &resp
	e.rxBuffer = nil
	e.rxDeclaredLength = noDeclaredLength
	if e.metrics != nil {
		e.metrics.FramesReceivedTotal.Inc()
	}
	e.logger.Debug("received response", "command", resp.Command, "subfn", resp.Subfn, "code", resp.Code)
}

func (e *Exchanger) ResponseAvailable() bool {
	return e.receivedResponse != nil
}

func (e *Exchanger) HasTimedOut() bool {
	return e.timedOut
}

// DecodeError reports whether the failure HasTimedOut is observing was a
// CRC/parse or command mismatch rather than the response never arriving at
// all. Valid only while HasTimedOut is true.
func (e *Exchanger) DecodeError() bool {
	return e.decodeError
}

func (e *Exchanger) ClearTimeout() {
	e.timedOut = false
	e.decodeError = false
}

// GetResponse returns and consumes the received response.
func (e *Exchanger) GetResponse() (protocol.Response, bool) {
	if e.receivedResponse == nil {
		return protocol.Response{}, false
	}
	resp := *e.receivedResponse
	e.resetRx()
	return resp, true
}

func (e *Exchanger) WaitingResponse() bool {
	return e.activeRequest != nil
}

// resetRx clears all in-flight request/response state, allowing a new
// SendRequest.
func (e *Exchanger) resetRx() {
	e.activeRequest = nil
	e.receivedResponse = nil
	e.rxBuffer = nil
	e.rxDeclaredLength = noDeclaredLength
}

// Reset fully resets the exchanger, as on link reconnect.
func (e *Exchanger) Reset() {
	e.resetRx()
	e.timedOut = false
	e.decodeError = false
}
