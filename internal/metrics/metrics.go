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

// Package metrics exposes the Prometheus metrics emitted by the core:
// dispatcher queue depth and drops, FSM state transitions, frame decode
// errors, and heartbeat liveness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every metric the core records. A single instance is
// created at startup and passed by reference to the components that
// record against it.
type Metrics struct {
	DispatcherQueueDepth  *prometheus.GaugeVec
	DispatcherDropsTotal  *prometheus.CounterVec
	DispatcherPopsTotal   prometheus.Counter
	FSMTransitionsTotal   *prometheus.CounterVec
	FSMCurrentState       *prometheus.GaugeVec
	FrameDecodeErrorTotal prometheus.Counter
	FramesSentTotal       prometheus.Counter
	FramesReceivedTotal   prometheus.Counter
	HeartbeatLatency      prometheus.Histogram
	HeartbeatFailureTotal prometheus.Counter
	MemsyncReadsTotal     *prometheus.CounterVec
	MemsyncWritesTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		DispatcherQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scrutinyd_dispatcher_queue_depth",
			Help: "Number of request records currently queued, by priority",
		}, []string{"priority"}),
		DispatcherDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutinyd_dispatcher_drops_total",
			Help: "Total number of requests dropped at registration",
		}, []string{"reason"}),
		DispatcherPopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutinyd_dispatcher_pops_total",
			Help: "Total number of request records popped by the dispatcher",
		}),
		FSMTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutinyd_fsm_transitions_total",
			Help: "Total number of device handler FSM state transitions",
		}, []string{"from", "to"}),
		FSMCurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scrutinyd_fsm_current_state",
			Help: "1 for the FSM's current state, 0 for every other state",
		}, []string{"state"}),
		FrameDecodeErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutinyd_frame_decode_errors_total",
			Help: "Total number of frames discarded for a CRC or parse failure",
		}),
		FramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutinyd_frames_sent_total",
			Help: "Total number of request frames written to the link",
		}),
		FramesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutinyd_frames_received_total",
			Help: "Total number of response frames successfully decoded",
		}),
		HeartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrutinyd_heartbeat_latency_seconds",
			Help:    "Round-trip latency of successful heartbeats",
			Buckets: prometheus.DefBuckets,
		}),
		HeartbeatFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutinyd_heartbeat_failures_total",
			Help: "Total number of heartbeats that timed out or mismatched",
		}),
		MemsyncReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutinyd_memsync_reads_total",
			Help: "Total number of memory read requests by outcome",
		}, []string{"kind", "outcome"}),
		MemsyncWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutinyd_memsync_writes_total",
			Help: "Total number of memory write requests by outcome",
		}, []string{"kind", "outcome"}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.DispatcherQueueDepth,
		m.DispatcherDropsTotal,
		m.DispatcherPopsTotal,
		m.FSMTransitionsTotal,
		m.FSMCurrentState,
		m.FrameDecodeErrorTotal,
		m.FramesSentTotal,
		m.FramesReceivedTotal,
		m.HeartbeatLatency,
		m.HeartbeatFailureTotal,
		m.MemsyncReadsTotal,
		m.MemsyncWritesTotal,
	)
}

// RecordMemsyncRead increments the read-request counter for a given entry
// kind ("variable" or "rpv") and outcome ("success" or "failure").
func (m *Metrics) RecordMemsyncRead(kind, outcome string) {
	m.MemsyncReadsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordMemsyncWrite increments the write-request counter for a given
// entry kind ("variable" or "rpv") and outcome ("success" or "failure").
func (m *Metrics) RecordMemsyncWrite(kind, outcome string) {
	m.MemsyncWritesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordFSMTransition records a state transition and updates the
// current-state gauge set.
func (m *Metrics) RecordFSMTransition(from, to string) {
	m.FSMTransitionsTotal.WithLabelValues(from, to).Inc()
	m.FSMCurrentState.WithLabelValues(from).Set(0)
	m.FSMCurrentState.WithLabelValues(to).Set(1)
}

// RecordDispatcherDrop increments the drop counter for the given reason
// (e.g. "oversize_tx", "oversize_rx").
func (m *Metrics) RecordDispatcherDrop(reason string) {
	m.DispatcherDropsTotal.WithLabelValues(reason).Inc()
}
