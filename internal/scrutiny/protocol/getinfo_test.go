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

package protocol_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

func TestDecodeProtocolVersionResponse(t *testing.T) {
	t.Parallel()
	got, err := protocol.DecodeProtocolVersionResponse([]byte{1, 0})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := protocol.ProtocolVersion{Major: 1, Minor: 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSupportedFeaturesResponse(t *testing.T) {
	t.Parallel()
	got, err := protocol.DecodeSupportedFeaturesResponse([]byte{0b101})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := protocol.SupportedFeatures{MemoryWrite: true, DatalogAcquire: false, UserCommand: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSpecialMemoryRegionCountResponse(t *testing.T) {
	t.Parallel()
	got, err := protocol.DecodeSpecialMemoryRegionCountResponse([]byte{2, 3})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := protocol.SpecialMemoryRegionCount{ReadOnly: 2, Forbidden: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSpecialMemoryRegionLocationRoundTrip(t *testing.T) {
	t.Parallel()
	req := protocol.EncodeGetSpecialMemoryRegionLocationRequest(protocol.MemoryRegionForbidden, 2)
	if diff := cmp.Diff([]byte{1, 2}, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	payload := []byte{0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20, 0x00}
	got, err := protocol.DecodeSpecialMemoryRegionLocationResponse(payload, 4)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := protocol.MemoryRegion{Start: 0x1000, End: 0x2000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRPVCountRoundTrip(t *testing.T) {
	t.Parallel()
	got, err := protocol.DecodeRPVCountResponse([]byte{0x00, 0x2A})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d want 42", got)
	}
}

func TestEncodeGetRuntimePublishedValuesDefinitionRequest(t *testing.T) {
	t.Parallel()
	got := protocol.EncodeGetRuntimePublishedValuesDefinitionRequest(5, 10)
	want := []byte{0x00, 0x05, 0x00, 0x0A}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
