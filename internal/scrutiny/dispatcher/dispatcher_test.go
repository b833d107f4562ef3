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

package dispatcher_test

import (
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
)

func newTestDispatcher() *dispatcher.Dispatcher {
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 4096
	cfg.Dispatcher.RxSizeLimit = 4096
	return dispatcher.New(cfg, nil, nil)
}

func dummyRequest(payloadSize int) protocol.Request {
	return protocol.NewRequest(protocol.CommandUserCommand, 0, make([]byte, payloadSize))
}

func TestPriorityRespect(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	req1 := dummyRequest(0)
	req2 := dummyRequest(0)
	req3 := dummyRequest(0)

	d.RegisterRequest(req1, nil, nil, nil, nil, 0, 0)
	d.RegisterRequest(req2, nil, nil, nil, nil, 1, 0)
	d.RegisterRequest(req3, nil, nil, nil, nil, 0, 0)

	first := d.Next()
	if first == nil {
		t.Fatal("expected a record")
	}
	if first.Priority != 1 {
		t.Fatalf("expected the priority-1 record first, got priority %d", first.Priority)
	}
	if got := d.Next(); got == nil {
		t.Fatal("expected a second record")
	}
	if got := d.Next(); got == nil {
		t.Fatal("expected a third record")
	}
	if got := d.Next(); got != nil {
		t.Fatal("expected queues to be drained")
	}
}

func TestPriorityOrderExact(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	// Tag requests via distinct payload bytes so identity is checkable.
	req := func(tag byte) protocol.Request {
		return protocol.NewRequest(protocol.CommandUserCommand, 0, []byte{tag})
	}
	a, b, c := req(1), req(2), req(3)
	d.RegisterRequest(a, nil, nil, nil, nil, 0, 0)
	d.RegisterRequest(b, nil, nil, nil, nil, 1, 0)
	d.RegisterRequest(c, nil, nil, nil, nil, 0, 0)

	order := []byte{}
	for {
		rec := d.Next()
		if rec == nil {
			break
		}
		order = append(order, rec.Request.Payload[0])
	}
	want := []byte{2, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

func TestThrottlingBasics(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	req1 := dummyRequest(512)
	d.RegisterRequest(req1, nil, nil, nil, nil, 0, 512)
	d.EnableThrottling(1024 * 1024)

	initial := d.AllowedBits()
	rec := d.Next()
	if rec == nil {
		t.Fatal("expected a record")
	}
	if d.AllowedBits() >= initial {
		t.Fatal("expected allowed bits to decrease after a pop")
	}

	d.Process()
	time.Sleep(200 * time.Millisecond)
	d.Process()
	if d.AllowedBits() != initial {
		t.Fatalf("expected allowed bits to be restored to %v, got %v", initial, d.AllowedBits())
	}
}

func TestCallbacksFireExactlyOnce(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	req1 := dummyRequest(0)
	req2 := dummyRequest(0)

	var successParams, failureParams any
	successCalls := 0
	failureCalls := 0

	d.RegisterRequest(req1,
		func(req protocol.Request, code protocol.ResponseCode, data []byte, params any) {
			successCalls++
			successParams = params
		},
		nil, []int{1, 2}, []int{3, 4}, 0, 0)
	d.RegisterRequest(req2,
		nil,
		func(req protocol.Request, params any) {
			failureCalls++
			failureParams = params
		},
		[]int{5, 6}, []int{7, 8}, 0, 0)

	rec1 := d.Next()
	rec1.Complete(true, protocol.ResponseCodeOK, []byte("data1"))
	rec1.Complete(true, protocol.ResponseCodeOK, []byte("data1-again"))

	rec2 := d.Next()
	rec2.Complete(false, protocol.ResponseCodeOK, nil)

	if successCalls != 1 {
		t.Fatalf("expected success callback exactly once, got %d", successCalls)
	}
	if failureCalls != 1 {
		t.Fatalf("expected failure callback exactly once, got %d", failureCalls)
	}
	if got, ok := successParams.([]int); !ok || got[0] != 1 {
		t.Fatalf("unexpected success params: %v", successParams)
	}
	if got, ok := failureParams.([]int); !ok || got[0] != 7 {
		t.Fatalf("unexpected failure params: %v", failureParams)
	}
}

func TestPanickingCallbackDoesNotPropagate(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	req := dummyRequest(0)
	d.RegisterRequest(req, func(protocol.Request, protocol.ResponseCode, []byte, any) {
		panic("boom")
	}, nil, nil, nil, 0, 0)

	rec := d.Next()
	rec.Complete(true, protocol.ResponseCodeOK, nil)
}

func TestDropsOverflowingRequests(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 128
	cfg.Dispatcher.RxSizeLimit = 256
	d := dispatcher.New(cfg, nil, nil)

	req1 := dummyRequest(128 - 8)
	req2 := dummyRequest(129 - 8)
	req3 := dummyRequest(128 - 8)

	if ok := d.RegisterRequest(req1, nil, nil, nil, nil, 0, 256-9); !ok {
		t.Fatal("expected req1 to be accepted")
	}
	if ok := d.RegisterRequest(req2, nil, nil, nil, nil, 0, 256-9); ok {
		t.Fatal("expected req2 to be dropped for oversize tx")
	}
	if ok := d.RegisterRequest(req3, nil, nil, nil, nil, 0, 257-9); ok {
		t.Fatal("expected req3 to be dropped for oversize rx")
	}

	rec := d.Next()
	if rec == nil || len(rec.Request.Payload) != len(req1.Payload) {
		t.Fatal("expected only req1 to have been enqueued")
	}
	if d.Next() != nil {
		t.Fatal("expected queue to be empty after popping req1")
	}
}
