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

// Response is a (command, subfunction, code, payload) quadruple decoded off
// the wire.
type Response struct {
	Command Command
	Subfn   byte
	Code    ResponseCode
	Payload []byte
}

func NewResponse(cmd Command, subfn byte, code ResponseCode, payload []byte) Response {
	return Response{Command: cmd, Subfn: subfn, Code: code, Payload: payload}
}

// Encode serializes the response into a complete, CRC-sealed frame.
func (r Response) Encode() ([]byte, error) {
	return wire.EncodeResponseFrame(byte(r.Command), r.Subfn, byte(r.Code), r.Payload)
}

// DecodeResponse parses a complete response frame, validating its CRC.
func DecodeResponse(data []byte) (Response, error) {
	cmd, subfn, code, payload, err := wire.DecodeResponseFrame(data)
	if err != nil {
		return Response{}, err
	}
	return Response{Command: Command(cmd), Subfn: subfn, Code: ResponseCode(code), Payload: payload}, nil
}

// Matches reports whether this response's command and subfunction match the
// request it is supposed to answer — the check the frame exchanger performs
// before latching a response as valid.
func (r Response) Matches(req Request) bool {
	return r.Command == req.Command && r.Subfn == req.Subfn
}

// Size returns the number of bytes this response occupies on the wire,
// header and CRC included — the same size the dispatcher's rx_size_limit
// check computes from a request's declared expected response payload size.
func (r Response) Size() int {
	return wire.ResponseHeaderLength + len(r.Payload) + wire.CRCLength
}
