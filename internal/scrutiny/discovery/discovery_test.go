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

package discovery_test

import (
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/discovery"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

func newTestDispatcher() *dispatcher.Dispatcher {
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 4096
	cfg.Dispatcher.RxSizeLimit = 4096
	return dispatcher.New(cfg, nil, nil)
}

func TestSearcherLatchesFirstValidResponse(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	s := discovery.New(d, nil)
	s.SetInterval(5 * time.Millisecond)

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

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
		t.Fatal("expected a discover request to be registered")
	}

	respPayload := encodeDiscoverResponsePayload(t, "unit-device")
	rec.Complete(true, protocol.ResponseCodeOK, respPayload)

	found, ok := s.GetFoundDevice()
	if !ok {
		t.Fatal("expected a found device")
	}
	if found.DisplayName != "unit-device" {
		t.Fatalf("unexpected display name: %q", found.DisplayName)
	}
}

// encodeDiscoverResponsePayload mirrors protocol.DecodeDiscoverResponse's
// layout: magic(4) + name_len(1) + firmware_id(variable) + display_name.
func encodeDiscoverResponsePayload(t *testing.T, name string) []byte {
	t.Helper()
	firmwareID := []byte{1, 2, 3, 4}
	payload := make([]byte, 0, 4+1+len(firmwareID)+len(name))
	payload = append(payload, 0x7E, 0x18, 0xFC, 0x6D)
	payload = append(payload, byte(len(name)))
	payload = append(payload, firmwareID...)
	payload = append(payload, []byte(name)...)
	return payload
}
