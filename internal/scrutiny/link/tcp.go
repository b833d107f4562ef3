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

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const tcpReadChunkSize = 4096
const tcpQueueDepth = 256

// TCPLink is a raw TCP byte stream to the device.
type TCPLink struct {
	address string
	port    int

	mu          sync.Mutex
	conn        net.Conn
	operational atomic.Bool
	rx          *byteQueue
	closeOnce   sync.Once
	stop        chan struct{}
}

func NewTCPLink(address string, port int) *TCPLink {
	return &TCPLink{
		address: address,
		port:    port,
		rx:      newByteQueue(tcpQueueDepth),
	}
}

func (l *TCPLink) Open() error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", l.address, l.port))
	if err != nil {
		l.operational.Store(false)
		return fmt.Errorf("dialing device: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.operational.Store(true)
	l.stop = make(chan struct{})
	go l.readLoop(conn, l.stop)
	return nil
}

func (l *TCPLink) readLoop(conn net.Conn, stop chan struct{}) {
	buf := make([]byte, tcpReadChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.rx.push(chunk)
		}
		if err != nil {
			l.operational.Store(false)
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (l *TCPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.stop != nil {
			close(l.stop)
		}
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		l.operational.Store(false)
	})
	return err
}

func (l *TCPLink) Operational() bool {
	return l.operational.Load()
}

func (l *TCPLink) Process() {}

func (l *TCPLink) Read() []byte {
	return l.rx.drain()
}

func (l *TCPLink) Write(data []byte) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		l.operational.Store(false)
	}
}

func (l *TCPLink) MaxBitrateBps() (int, bool) {
	return 0, false
}
