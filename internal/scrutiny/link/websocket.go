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
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const wsQueueDepth = 256

// WebsocketLink frames each Write/Read as one binary websocket message,
// dialing the device as a client. Its read loop runs on its own goroutine,
// pushes each received message onto a byteQueue, and marks the link
// non-operational on the first read error.
type WebsocketLink struct {
	address string
	port    int

	mu          sync.Mutex
	conn        *websocket.Conn
	operational atomic.Bool
	rx          *byteQueue
	closeOnce   sync.Once
	stop        chan struct{}
}

func NewWebsocketLink(address string, port int) *WebsocketLink {
	return &WebsocketLink{
		address: address,
		port:    port,
		rx:      newByteQueue(wsQueueDepth),
	}
}

func (l *WebsocketLink) Open() error {
	url := fmt.Sprintf("ws://%s:%d", l.address, l.port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		l.operational.Store(false)
		return fmt.Errorf("dialing device websocket: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.operational.Store(true)
	l.stop = make(chan struct{})
	go l.readLoop(conn, l.stop)
	return nil
}

func (l *WebsocketLink) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			l.operational.Store(false)
			return
		}
		l.rx.push(msg)
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (l *WebsocketLink) Close() error {
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

func (l *WebsocketLink) Operational() bool {
	return l.operational.Load()
}

func (l *WebsocketLink) Process() {}

func (l *WebsocketLink) Read() []byte {
	return l.rx.drain()
}

func (l *WebsocketLink) Write(data []byte) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		l.operational.Store(false)
	}
}

func (l *WebsocketLink) MaxBitrateBps() (int, bool) {
	return 0, false
}
