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

// Package heartbeat implements the Heartbeat Generator: once a session id
// and interval are known, emits a fresh-challenge Heartbeat on every tick
// and tracks the timestamp of the last valid response.
package heartbeat

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

// heartbeatPriority sits below discovery but above ordinary user requests:
// liveness tracking must not starve behind a busy user-command queue.
const heartbeatPriority = 200

const heartbeatResponsePayloadSize = 6 // session_id:4 + challenge_response:2

// Generator emits periodic Heartbeats and tracks liveness.
type Generator struct {
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
	rng        *rand.Rand

	mu                sync.Mutex
	sched             gocron.Scheduler
	job               gocron.Job
	interval          time.Duration
	sessionID         uint32
	sessionSet        bool
	running           bool
	lastValid         time.Time
	challengeInFlight bool
	challenge         uint16
}

// New constructs a Generator. logger may be nil.
func New(d *dispatcher.Dispatcher, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		dispatcher: d,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSessionID records the session id to heartbeat against.
func (g *Generator) SetSessionID(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = id
	g.sessionSet = true
}

// SetInterval sets or updates the heartbeat period. If the generator is
// already running, the underlying gocron job is rescheduled in place via
// scheduler.Update.
func (g *Generator) SetInterval(interval time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = interval
	if !g.running {
		return nil
	}
	job, err := g.sched.Update(g.job.ID(), gocron.DurationJob(interval), gocron.NewTask(g.emit))
	if err != nil {
		return fmt.Errorf("heartbeat: failed to update interval: %w", err)
	}
	g.job = job
	return nil
}

// Start begins periodic Heartbeat emission. SetSessionID and SetInterval
// must be called first.
func (g *Generator) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	if !g.sessionSet {
		return fmt.Errorf("heartbeat: session id not set")
	}
	if g.interval <= 0 {
		return fmt.Errorf("heartbeat: interval not set")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("heartbeat: failed to create scheduler: %w", err)
	}
	job, err := sched.NewJob(
		gocron.DurationJob(g.interval),
		gocron.NewTask(g.emit),
		gocron.WithName("scrutiny-heartbeat"),
	)
	if err != nil {
		return fmt.Errorf("heartbeat: failed to create job: %w", err)
	}

	g.sched = sched
	g.job = job
	g.running = true
	g.lastValid = time.Now()
	sched.Start()
	return nil
}

// Stop halts periodic emission and clears liveness state. Safe to call when
// not running.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	if err := g.sched.Shutdown(); err != nil {
		g.logger.Warn("heartbeat scheduler shutdown error", "error", err)
	}
	g.running = false
	g.sched = nil
	g.job = nil
	g.sessionSet = false
	g.challengeInFlight = false
}

// LastValidHeartbeatTimestamp is the FSM's liveness clock.
func (g *Generator) LastValidHeartbeatTimestamp() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastValid
}

func (g *Generator) emit() {
	g.mu.Lock()
	if g.challengeInFlight {
		g.mu.Unlock()
		return
	}
	sessionID := g.sessionID
	challenge := uint16(g.rng.Intn(1 << 16))
	g.challenge = challenge
	g.challengeInFlight = true
	g.mu.Unlock()

	payload := protocol.EncodeHeartbeatRequest(sessionID, challenge)
	req := protocol.NewRequest(protocol.CommandCommControl, protocol.CommControlHeartbeat, payload)

	g.dispatcher.RegisterRequest(
		req,
		g.onSuccess,
		g.onFailure,
		nil, nil,
		heartbeatPriority,
		heartbeatResponsePayloadSize,
	)
}

func (g *Generator) onSuccess(req protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	g.mu.Lock()
	expected := protocol.HeartbeatExpectedResponse(g.challenge)
	g.challengeInFlight = false
	g.mu.Unlock()

	if code != protocol.ResponseCodeOK {
		g.logger.Debug("heartbeat response not OK", "code", code)
		return
	}
	_, challengeResponse, err := protocol.DecodeHeartbeatResponse(data)
	if err != nil {
		g.logger.Warn("malformed heartbeat response", "error", err)
		return
	}
	if challengeResponse != expected {
		g.logger.Warn("heartbeat challenge mismatch", "want", expected, "got", challengeResponse)
		return
	}

	g.mu.Lock()
	g.lastValid = time.Now()
	g.mu.Unlock()
}

func (g *Generator) onFailure(req protocol.Request, _ any) {
	g.mu.Lock()
	g.challengeInFlight = false
	g.mu.Unlock()
	g.logger.Debug("heartbeat request failed")
}
