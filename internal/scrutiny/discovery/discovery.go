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

// Package discovery implements the Device Searcher: periodic Discover
// broadcasts that stop as soon as a well-formed response is latched.
package discovery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

const defaultInterval = 500 * time.Millisecond

// highestPriority is used for Discover requests: finding a device takes
// precedence over everything else competing for link bandwidth.
const highestPriority = 255

// FoundDevice is the result latched from the first valid Discover response.
type FoundDevice struct {
	FirmwareID  []byte
	DisplayName string
}

// Searcher periodically submits Discover requests via the Dispatcher until
// a valid response is found or it is stopped.
type Searcher struct {
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
	interval   time.Duration

	mu      sync.Mutex
	sched   gocron.Scheduler
	job     gocron.Job
	found   *FoundDevice
	running bool
}

// New constructs a Searcher. logger may be nil.
func New(d *dispatcher.Dispatcher, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		dispatcher: d,
		logger:     logger,
		interval:   defaultInterval,
	}
}

// SetInterval overrides the default 500ms emission interval. Must be called
// before Start.
func (s *Searcher) SetInterval(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
}

// Start begins periodic Discover emission. It is a no-op if already running.
func (s *Searcher) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("discovery: failed to create scheduler: %w", err)
	}

	job, err := sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.emit),
		gocron.WithName("scrutiny-discover"),
	)
	if err != nil {
		return fmt.Errorf("discovery: failed to create job: %w", err)
	}

	s.sched = sched
	s.job = job
	s.found = nil
	s.running = true
	sched.Start()
	return nil
}

// Stop halts periodic emission. Safe to call when not running.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		s.logger.Warn("discovery scheduler shutdown error", "error", err)
	}
	s.running = false
	s.sched = nil
	s.job = nil
}

// GetFoundDevice returns the latched device, if any.
func (s *Searcher) GetFoundDevice() (FoundDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.found == nil {
		return FoundDevice{}, false
	}
	return *s.found, true
}

func (s *Searcher) emit() {
	s.mu.Lock()
	if s.found != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	payload := protocol.EncodeDiscoverRequest(protocol.DiscoverMagic)
	req := protocol.NewRequest(protocol.CommandCommControl, protocol.CommControlDiscover, payload)

	s.dispatcher.RegisterRequest(
		req,
		s.onSuccess,
		s.onFailure,
		nil, nil,
		highestPriority,
		discoverResponseSizeHint,
	)
}

// discoverResponseSizeHint bounds the expected Discover response payload:
// 4 bytes magic + 1 byte display-name length + firmware id + display name, generously
// capped since the dispatcher only uses it for the oversize-drop guard.
const discoverResponseSizeHint = 256

func (s *Searcher) onSuccess(req protocol.Request, code protocol.ResponseCode, data []byte, _ any) {
	if code != protocol.ResponseCodeOK {
		return
	}
	magic, firmwareID, displayName, err := protocol.DecodeDiscoverResponse(data)
	if err != nil {
		s.logger.Warn("malformed discover response", "error", err)
		return
	}
	if magic != protocol.DiscoverMagic {
		s.logger.Warn("discover response magic mismatch", "got", magic)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.found != nil {
		return
	}
	s.found = &FoundDevice{FirmwareID: firmwareID, DisplayName: displayName}
	s.logger.Info("device found", "display_name", displayName)
}

func (s *Searcher) onFailure(req protocol.Request, _ any) {
	s.logger.Debug("discover request failed, will retry on next tick")
}
