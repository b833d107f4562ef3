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

package heartbeat_test

import (
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/heartbeat"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

func newTestDispatcher() *dispatcher.Dispatcher {
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 4096
	cfg.Dispatcher.RxSizeLimit = 4096
	return dispatcher.New(cfg, nil, nil)
}

func TestGeneratorRequiresSessionAndInterval(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	g := heartbeat.New(d, nil)
	if err := g.Start(); err == nil {
		t.Fatal("expected Start to fail without a session id")
	}
}

func TestGeneratorTracksLivenessOnValidResponse(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	g := heartbeat.New(d, nil)
	g.SetSessionID(42)
	if err := g.SetInterval(5 * time.Millisecond); err != nil {
		t.Fatalf("set interval failed: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer g.Stop()

	before := g.LastValidHeartbeatTimestamp()

	deadline := time.Now().Add(time.Second)
	var rec *dispatcher.RequestRecord
	for time.Now().Before(deadline) {
		rec = d.Next()
		if rec != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rec == nil {
		t.Fatal("expected a heartbeat request to be registered")
	}

	expected := extractChallengeFromRequest(t, rec)
	respPayload := protocol.EncodeHeartbeatRequest(42, protocol.HeartbeatExpectedResponse(expected))
	rec.Complete(true, protocol.ResponseCodeOK, respPayload)

	after := g.LastValidHeartbeatTimestamp()
	if !after.After(before) {
		t.Fatal("expected last valid heartbeat timestamp to advance")
	}
}

func extractChallengeFromRequest(t *testing.T, rec *dispatcher.RequestRecord) uint16 {
	t.Helper()
	_, challenge, err := protocol.DecodeHeartbeatResponse(rec.Request.Payload)
	if err != nil {
		t.Fatalf("failed to decode challenge from request payload: %v", err)
	}
	return challenge
}
