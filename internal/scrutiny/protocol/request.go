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

package protocol

import "github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"

// Request is an immutable (command, subfunction, payload) triple. It never
// mutates after construction; the dispatcher and frame exchanger pass it by
// value.
type Request struct {
	Command Command
	Subfn   byte
	Payload []byte
}

func NewRequest(cmd Command, subfn byte, payload []byte) Request {
	return Request{Command: cmd, Subfn: subfn, Payload: payload}
}

// Encode serializes the request into a complete, CRC-sealed frame.
func (r Request) Encode() ([]byte, error) {
	return wire.EncodeRequestFrame(byte(r.Command), r.Subfn, r.Payload)
}

// DecodeRequest parses a complete request frame, validating its CRC.
func DecodeRequest(data []byte) (Request, error) {
	cmd, subfn, payload, err := wire.DecodeRequestFrame(data)
	if err != nil {
		return Request{}, err
	}
	return Request{Command: Command(cmd), Subfn: subfn, Payload: payload}, nil
}

// Size returns the number of bytes this request occupies on the wire,
// header and CRC included — the same size the dispatcher's tx_size_limit
// check computes.
func (r Request) Size() int {
	return wire.RequestHeaderLength + len(r.Payload) + wire.CRCLength
}
