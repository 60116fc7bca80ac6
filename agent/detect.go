/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package agent

import (
	"bufio"
)

// socks5VersionByte is the first byte of a SOCKS5 greeting (RFC 1928).
const socks5VersionByte = 0x05

// protocolKind identifies which local handler should own a just
// accepted connection.
type protocolKind int

const (
	protocolHTTP protocolKind = iota
	protocolSOCKS5
)

// detectProtocol peeks (without consuming) the first byte of conn and
// classifies it. 0x05 is a SOCKS5 greeting; an ASCII uppercase HTTP
// method initial (CONNECT/DELETE/GET/HEAD/OPTIONS/POST/PUT/TRACE) is
// HTTP. Anything else, including SOCKS4's 0x04, also routes to HTTP,
// whose request-line parser replies 400 to garbage rather than
// refusing at detection time.
func detectProtocol(r *bufio.Reader) (protocolKind, error) {
	b, err := r.Peek(1)
	if err != nil {
		return protocolHTTP, err
	}
	if b[0] == socks5VersionByte {
		return protocolSOCKS5, nil
	}
	return protocolHTTP, nil
}
