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

package link

import "sync/atomic"

const loopbackQueueDepth = 256

// LoopbackLink pipes an in-process emulated device. PeerWrite injects bytes
// as if the device had sent them; Written drains whatever the core wrote,
// for an emulator goroutine to consume. Used by the device FSM's
// Discover→Connect→Ready test harness and by the unit tests of the
// components that sit directly on a Link.
type LoopbackLink struct {
	operational atomic.Bool
	toCore      *byteQueue
	fromCore    *byteQueue
}

func NewLoopbackLink() *LoopbackLink {
	l := &LoopbackLink{
		toCore:   newByteQueue(loopbackQueueDepth),
		fromCore: newByteQueue(loopbackQueueDepth),
	}
	l.operational.Store(true)
	return l
}

func (l *LoopbackLink) Open() error {
	l.operational.Store(true)
	return nil
}

func (l *LoopbackLink) Close() error {
	l.operational.Store(false)
	return nil
}

func (l *LoopbackLink) Operational() bool {
	return l.operational.Load()
}

func (l *LoopbackLink) Process() {}

func (l *LoopbackLink) Read() []byte {
	return l.toCore.drain()
}

func (l *LoopbackLink) Write(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	l.fromCore.push(chunk)
}

func (l *LoopbackLink) MaxBitrateBps() (int, bool) {
	return 0, false
}

// PeerWrite injects bytes as if received from the emulated device.
func (l *LoopbackLink) PeerWrite(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	l.toCore.push(chunk)
}

// PeerRead drains whatever the core has written, for the emulator side.
func (l *LoopbackLink) PeerRead() []byte {
	return l.fromCore.drain()
}

// SetOperational lets tests simulate a link failure or recovery.
func (l *LoopbackLink) SetOperational(v bool) {
	l.operational.Store(v)
}
