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

// Package link provides the byte-level duplex channel to the device. The TCP
// and websocket links read from the device on a background goroutine and hand
// the bytes to the core through a bounded byte queue, so Read is buffered and
// non-blocking; their Write sends on the caller's goroutine and can block on
// the socket. The loopback link queues both directions.
package link

import (
	"errors"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
)

// Link exposes a byte-level duplex channel to the device. Failures flip
// Operational to false; they are observable but never returned as an error
// from Read/Write/Process, matching the "a non-operational link is a lost
// link" contract.
type Link interface {
	Open() error
	Close() error
	Operational() bool
	// Process pumps any pending I/O; it must never block.
	Process()
	// Read returns and consumes any bytes received since the last call,
	// possibly empty.
	Read() []byte
	Write(data []byte)
	// MaxBitrateBps reports a link-imposed bitrate ceiling, if any.
	MaxBitrateBps() (bps int, ok bool)
}

var ErrUnknownLinkKind = errors.New("link: unknown link kind")

// New constructs the Link selected by cfg.Link.Kind.
func New(cfg *config.Config) (Link, error) {
	switch cfg.Link.Kind {
	case config.LinkKindTCP:
		return NewTCPLink(cfg.Link.Address, cfg.Link.Port), nil
	case config.LinkKindWebSocket:
		return NewWebsocketLink(cfg.Link.Address, cfg.Link.Port), nil
	case config.LinkKindLoopback:
		return NewLoopbackLink(), nil
	default:
		return nil, ErrUnknownLinkKind
	}
}

// byteQueue is the bounded, thread-safe byte queue §4.3 and §5 describe:
// a background goroutine pushes chunks as they arrive off the wire; the
// core's Read() drains and concatenates whatever is queued. When full, the
// producer drops the chunk and the frame exchanger eventually times out
// waiting for a complete response.
type byteQueue struct {
	ch chan []byte
}

func newByteQueue(capacity int) *byteQueue {
	return &byteQueue{ch: make(chan []byte, capacity)}
}

// push enqueues a chunk, dropping it silently if the queue is full.
func (q *byteQueue) push(chunk []byte) {
	select {
	case q.ch <- chunk:
	default:
	}
}

// drain concatenates every chunk currently queued, returning nil if none.
func (q *byteQueue) drain() []byte {
	var out []byte
	for {
		select {
		case chunk := <-q.ch:
			out = append(out, chunk...)
		default:
			return out
		}
	}
}
