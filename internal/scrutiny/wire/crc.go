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

package wire

import "hash/crc32"

// CRC computes the frame's CRC-32 (poly 0x04C11DB7, init 0xFFFFFFFF,
// reflected, final XOR 0xFFFFFFFF) over header+payload. This is the
// standard IEEE 802.3 polynomial, so the stdlib table-driven implementation
// is used directly rather than a hand-rolled one.
func CRC(headerAndPayload []byte) uint32 {
	return crc32.ChecksumIEEE(headerAndPayload)
}
