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

package memsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/datastore"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/memsync"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

func newTestDispatcher() *dispatcher.Dispatcher {
	cfg := &config.Config{}
	cfg.Dispatcher.TxSizeLimit = 8192
	cfg.Dispatcher.RxSizeLimit = 8192
	return dispatcher.New(cfg, nil, nil)
}

func waitForRequest(t *testing.T, d *dispatcher.Dispatcher, s *memsync.Syncer) *dispatcher.RequestRecord {
	t.Helper()
	for i := 0; i < 20; i++ {
		s.Process(context.Background())
		if rec := d.Next(); rec != nil {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a request to be submitted")
	return nil
}

func newSyncer(d *dispatcher.Dispatcher, ds *datastore.Datastore) *memsync.Syncer {
	s := memsync.New(d, ds, 100, nil, nil)
	s.SetInterval(time.Millisecond)
	s.SetCommParams(protocol.CommParams{
		MaxTxDataSize:   64,
		MaxRxDataSize:   64,
		AddressSizeBits: 32,
	})
	s.Start()
	return s
}

func TestSyncerReadsWatchedVariableAndUpdatesEntry(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := newSyncer(d, ds)

	id, err := ds.AddVariable("/a", datastore.DataTypeUInt16, 0x1000, wire.BigEndian, nil)
	if err != nil {
		t.Fatalf("AddVariable: %v", err)
	}
	fired := false
	if err := ds.StartWatching(id, "w1", func(string, *datastore.Entry) { fired = true }); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}

	rec := waitForRequest(t, d, s)
	// [address:4][data:2] = 0x1234
	resp := append([]byte{0x00, 0x00, 0x10, 0x00}, 0x12, 0x34)
	rec.Complete(true, protocol.ResponseCodeOK, resp)

	entry, err := ds.GetEntry(id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	got, _, hasValue := entry.Value()
	if !hasValue {
		t.Fatalf("expected entry to have a value after read response")
	}
	if got != uint64(0x1234) {
		t.Errorf("expected decoded value 0x1234, got %v", got)
	}
	if !fired {
		t.Errorf("expected watcher callback to fire")
	}
}

func TestSyncerCoalescesAdjacentVariables(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := newSyncer(d, ds)

	id1, _ := ds.AddVariable("/a", datastore.DataTypeUInt16, 0x1000, wire.BigEndian, nil)
	id2, _ := ds.AddVariable("/b", datastore.DataTypeUInt16, 0x1002, wire.BigEndian, nil)
	_ = ds.StartWatching(id1, "w1", func(string, *datastore.Entry) {})
	_ = ds.StartWatching(id2, "w2", func(string, *datastore.Entry) {})

	rec := waitForRequest(t, d, s)
	// A single coalesced block of length 4 starting at 0x1000.
	resp := append([]byte{0x00, 0x00, 0x10, 0x00}, 0x00, 0x01, 0x00, 0x02)
	rec.Complete(true, protocol.ResponseCodeOK, resp)

	if d.Next() != nil {
		t.Fatalf("expected adjacent variables to be coalesced into a single request")
	}

	e1, _ := ds.GetEntry(id1)
	e2, _ := ds.GetEntry(id2)
	v1, _, _ := e1.Value()
	v2, _, _ := e2.Value()
	if v1 != uint64(1) || v2 != uint64(2) {
		t.Errorf("expected v1=1 v2=2, got v1=%v v2=%v", v1, v2)
	}
}

func TestSyncerWritesClaimedPendingWrite(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := newSyncer(d, ds)

	id, _ := ds.AddVariable("/a", datastore.DataTypeUInt16, 0x2000, wire.BigEndian, nil)

	completed := false
	success := false
	if err := ds.UpdateTargetValue(id, 7, func(ok bool) { completed = true; success = ok }); err != nil {
		t.Fatalf("UpdateTargetValue: %v", err)
	}

	rec := waitForRequest(t, d, s)
	rec.Complete(true, protocol.ResponseCodeOK, []byte{0x00, 0x00, 0x20, 0x00, 0x00, 0x02})

	if !completed || !success {
		t.Fatalf("expected pending write to complete successfully: completed=%v success=%v", completed, success)
	}

	entry, _ := ds.GetEntry(id)
	if entry.HasPendingWrite() {
		t.Errorf("expected pending write to be cleared after completion")
	}
}

func TestSyncerWritesBeforeReadsEachCycle(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := newSyncer(d, ds)

	id, _ := ds.AddVariable("/a", datastore.DataTypeUInt16, 0x3000, wire.BigEndian, nil)
	_ = ds.StartWatching(id, "w1", func(string, *datastore.Entry) {})
	_ = ds.UpdateTargetValue(id, 9, func(bool) {})

	rec := waitForRequest(t, d, s)
	if rec.Request.Subfn != protocol.MemoryControlWrite {
		t.Errorf("expected the write to be submitted before the read within the same cycle, got subfn=%v", rec.Request.Subfn)
	}
}

func TestSyncerRPVReadRoundTrip(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := newSyncer(d, ds)

	id, err := ds.AddRPV("/rpv/0001", protocol.RPVDefinition{ID: 1, Datatype: byte(datastore.DataTypeUInt32)})
	if err != nil {
		t.Fatalf("AddRPV: %v", err)
	}
	_ = ds.StartWatching(id, "w1", func(string, *datastore.Entry) {})

	rec := waitForRequest(t, d, s)
	resp := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x2a}
	rec.Complete(true, protocol.ResponseCodeOK, resp)

	entry, _ := ds.GetEntry(id)
	v, _, ok := entry.Value()
	if !ok || v != uint64(42) {
		t.Errorf("expected rpv value 42, got %v (ok=%v)", v, ok)
	}
}

func TestSyncerDoesNothingWhenStopped(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	ds := datastore.New(nil, nil)
	s := memsync.New(d, ds, 100, nil, nil)
	s.SetCommParams(protocol.CommParams{MaxTxDataSize: 64, MaxRxDataSize: 64, AddressSizeBits: 32})

	id, _ := ds.AddVariable("/a", datastore.DataTypeUInt16, 0x4000, wire.BigEndian, nil)
	_ = ds.StartWatching(id, "w1", func(string, *datastore.Entry) {})

	s.Process(context.Background())
	if d.Next() != nil {
		t.Errorf("expected no requests to be submitted while stopped")
	}
}
