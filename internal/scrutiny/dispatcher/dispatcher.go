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

// Package dispatcher implements the priority-and-throttle request
// dispatcher: a per-priority FIFO queue, a token-bucket byte-rate
// accountant, and an oversize-drop guard at registration.
package dispatcher

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

// SuccessCallback fires exactly once for a completed, successful record.
type SuccessCallback func(req protocol.Request, code protocol.ResponseCode, responseData []byte, params any)

// FailureCallback fires exactly once for a completed, failed record.
type FailureCallback func(req protocol.Request, params any)

// RequestRecord is a Request plus its registered callbacks, owned by the
// Dispatcher until popped and then by the caller until completion.
type RequestRecord struct {
	Request             protocol.Request
	Priority            uint8
	ResponsePayloadSize int

	successCallback SuccessCallback
	failureCallback FailureCallback
	successParams   any
	failureParams   any

	completed bool
	logger    *slog.Logger
}

// Complete fires exactly one of the two registered callbacks. It is
// idempotent: calling it again after the first call is a no-op. Panics
// inside a callback are recovered and logged, never propagated.
func (r *RequestRecord) Complete(success bool, code protocol.ResponseCode, responseData []byte) {
	if r.completed {
		return
	}
	r.completed = true

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request callback panicked", "panic", p)
		}
	}()

	if success {
		if r.successCallback != nil {
			r.successCallback(r.Request, code, responseData, r.successParams)
		}
		return
	}
	if r.failureCallback != nil {
		r.failureCallback(r.Request, r.failureParams)
	}
}

// bitsInFlight returns the size of the request frame, in bits.
func (r *RequestRecord) bitsInFlight() float64 {
	return float64((wire.RequestHeaderLength + len(r.Request.Payload) + wire.CRCLength) * 8)
}

// bitsInResponse returns the size of the expected response frame, in bits.
func (r *RequestRecord) bitsInResponse() float64 {
	return float64((wire.ResponseHeaderLength + r.ResponsePayloadSize + wire.CRCLength) * 8)
}

// Dispatcher is a priority queue of RequestRecords guarded by per-direction
// size limits and an optional byte-rate throttle.
type Dispatcher struct {
	queues      map[uint8][]*RequestRecord
	txSizeLimit int
	rxSizeLimit int
	throttle    *throttler
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New constructs a Dispatcher from the given config. metrics may be nil.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queues:      make(map[uint8][]*RequestRecord),
		txSizeLimit: cfg.Dispatcher.TxSizeLimit,
		rxSizeLimit: cfg.Dispatcher.RxSizeLimit,
		throttle:    newThrottler(),
		metrics:     m,
		logger:      logger,
	}
	if cfg.Link.MaxBitrateBps > 0 {
		d.EnableThrottling(cfg.Link.MaxBitrateBps)
	}
	return d
}

func (d *Dispatcher) SetSizeLimits(txSizeLimit, rxSizeLimit int) {
	d.txSizeLimit = txSizeLimit
	d.rxSizeLimit = rxSizeLimit
}

func (d *Dispatcher) EnableThrottling(maxBitrateBps int) {
	d.throttle.enable(maxBitrateBps)
}

func (d *Dispatcher) DisableThrottling() {
	d.throttle.disable()
}

// RegisterRequest enqueues req if and only if its serialized size fits
// txSizeLimit and the declared responsePayloadSize fits rxSizeLimit.
// Oversize requests are silently dropped: a diagnostic is logged and a
// drop metric incremented, but neither callback fires.
func (d *Dispatcher) RegisterRequest(
	req protocol.Request,
	success SuccessCallback,
	failure FailureCallback,
	successParams, failureParams any,
	priority uint8,
	responsePayloadSize int,
) bool {
	requestSize := wire.RequestHeaderLength + len(req.Payload) + wire.CRCLength
	if requestSize > d.txSizeLimit {
		d.logger.Warn("dropping oversize request", "size", requestSize, "tx_size_limit", d.txSizeLimit)
		d.recordDrop("oversize_tx")
		return false
	}

	responseSize := wire.ResponseHeaderLength + responsePayloadSize + wire.CRCLength
	if responseSize > d.rxSizeLimit {
		d.logger.Warn("dropping request with oversize expected response", "size", responseSize, "rx_size_limit", d.rxSizeLimit)
		d.recordDrop("oversize_rx")
		return false
	}

	record := &RequestRecord{
		Request:             req,
		Priority:            priority,
		ResponsePayloadSize: responsePayloadSize,
		successCallback:     success,
		failureCallback:     failure,
		successParams:       successParams,
		failureParams:       failureParams,
		logger:              d.logger,
	}
	d.queues[priority] = append(d.queues[priority], record)
	d.recordQueueDepth(priority)
	return true
}

func (d *Dispatcher) recordDrop(reason string) {
	if d.metrics != nil {
		d.metrics.RecordDispatcherDrop(reason)
	}
}

func (d *Dispatcher) recordQueueDepth(priority uint8) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatcherQueueDepth.WithLabelValues(priorityLabel(priority)).Set(float64(len(d.queues[priority])))
}

// Next pops the earliest-enqueued record of the highest non-empty priority
// if its cost fits the current throttle balance. It returns nil if the
// queues are empty or that record does not fit the throttle; lower-priority
// records are not considered in its place.
func (d *Dispatcher) Next() *RequestRecord {
	priorities := make([]uint8, 0, len(d.queues))
	for p, q := range d.queues {
		if len(q) > 0 {
			priorities = append(priorities, p)
		}
	}
	if len(priorities) == 0 {
		return nil
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] > priorities[j] })

	top := priorities[0]
	queue := d.queues[top]
	record := queue[0]

	cost := record.bitsInFlight() + record.bitsInResponse()
	if !d.throttle.Allows(cost) {
		return nil
	}

	d.queues[top] = queue[1:]
	d.throttle.Debit(cost)
	d.recordQueueDepth(top)
	if d.metrics != nil {
		d.metrics.DispatcherPopsTotal.Inc()
	}
	return record
}

// Process credits the throttle based on elapsed time. Call it on every
// core tick.
func (d *Dispatcher) Process() {
	d.throttle.Credit(time.Now())
}

// AllowedBits exposes the throttle's current balance, mainly for tests.
func (d *Dispatcher) AllowedBits() float64 {
	return d.throttle.AllowedBits()
}

func priorityLabel(p uint8) string {
	return strconv.Itoa(int(p))
}
