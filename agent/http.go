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
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/session"
	"github.com/veilcore/veil/wire"
)

// handleHTTP parses the request line and either establishes a CONNECT
// tunnel or forwards the first request over a pooled tunnel and
// relays.
func handleHTTP(ctx context.Context, pool *Pool, conn net.Conn, reader *bufio.Reader) {
	requestLine, rawLine, err := readLine(reader)
	if err != nil {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}

	method, target, _, ok := parseRequestLine(requestLine)
	if !ok {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}

	headerBytes, headers, err := readHeaders(reader)
	if err != nil {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}

	if strings.EqualFold(method, "CONNECT") {
		handleHTTPConnect(ctx, pool, conn, reader, target)
		return
	}

	host, port, err := targetFromRequest(target, headers)
	if err != nil {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}

	hostKind, hostBytes := hostToWire(host)

	tunnel, resp, err := borrowAndConnectTCP(ctx, pool, hostKind, hostBytes, port)
	if err != nil {
		NoticeSessionFailed("http", err)
		writeHTTPStatus(conn, 502, "Bad Gateway")
		return
	}
	defer pool.Return(tunnel)

	if resp.Status != wire.ConnectStatusOK {
		writeHTTPStatus(conn, httpStatusForConnect(resp.Status), httpReasonForConnect(resp.Status))
		return
	}

	// Forward the already-consumed request line and headers, then
	// relay the remainder of the connection.
	original := append(append([]byte{}, rawLine...), headerBytes...)
	if len(original) > 0 {
		if err := tunnel.Channel.SendMessage(&wire.Data{Payload: original}, nowMs()); err != nil {
			NoticeSessionFailed("http", err)
			return
		}
	}

	_, _ = session.Relay(
		ctx, &clientStream{r: reader, conn: conn}, tunnel.Channel,
		wire.CloseDirectionAgentToProxy, wire.CloseDirectionProxyToAgent,
		nil, nil, nil)
}

// handleHTTPConnect borrows a tunnel, sends ConnectTcp, and on
// success emits the "200 Connection Established" reply before
// entering relay.
func handleHTTPConnect(ctx context.Context, pool *Pool, conn net.Conn, reader *bufio.Reader, target string) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		writeHTTPStatus(conn, 400, "Bad Request")
		return
	}

	hostKind, hostBytes := hostToWire(host)

	tunnel, resp, err := borrowAndConnectTCP(ctx, pool, hostKind, hostBytes, uint16(port))
	if err != nil {
		NoticeSessionFailed("http-connect", err)
		writeHTTPStatus(conn, 502, "Bad Gateway")
		return
	}
	defer pool.Return(tunnel)

	if resp.Status != wire.ConnectStatusOK {
		writeHTTPStatus(conn, httpStatusForConnect(resp.Status), httpReasonForConnect(resp.Status))
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	_, _ = session.Relay(
		ctx, &clientStream{r: reader, conn: conn}, tunnel.Channel,
		wire.CloseDirectionAgentToProxy, wire.CloseDirectionProxyToAgent,
		nil, nil, nil)
}

func httpStatusForConnect(status wire.ConnectStatus) int {
	switch status {
	case wire.ConnectStatusTimeout:
		return 504
	case wire.ConnectStatusForbidden:
		return 403
	default:
		return 502
	}
}

func httpReasonForConnect(status wire.ConnectStatus) string {
	switch status {
	case wire.ConnectStatusTimeout:
		return "Gateway Timeout"
	case wire.ConnectStatusForbidden:
		return "Forbidden"
	default:
		return "Bad Gateway"
	}
}

func writeHTTPStatus(w io.Writer, code int, reason string) {
	_, _ = io.WriteString(w, "HTTP/1.1 "+strconv.Itoa(code)+" "+reason+"\r\n\r\n")
}

// readLine reads one CRLF- or LF-terminated line, returning it both
// trimmed (for parsing) and with its original bytes intact (for
// forwarding).
func readLine(r *bufio.Reader) (trimmed string, raw []byte, err error) {
	raw, err = r.ReadBytes('\n')
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	trimmed = strings.TrimRight(string(raw), "\r\n")
	return trimmed, raw, nil
}

// readHeaders reads header lines up to and including the blank line
// terminator, returning the raw bytes (for forwarding) and a
// case-insensitive header map (for Host: lookup).
func readHeaders(r *bufio.Reader) (raw []byte, headers map[string]string, err error) {
	headers = make(map[string]string)
	for {
		line, lineRaw, err := readLine(r)
		if err != nil {
			return nil, nil, err
		}
		raw = append(raw, lineRaw...)
		if line == "" {
			return raw, headers, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		headers[name] = value
	}
}

// parseRequestLine splits "METHOD target HTTP/1.1".
func parseRequestLine(line string) (method, target, version string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// targetFromRequest extracts host/port from an absolute-form URI or
// the Host: header, defaulting to port 80.
func targetFromRequest(target string, headers map[string]string) (string, uint16, error) {
	if strings.HasPrefix(target, "http://") {
		rest := strings.TrimPrefix(target, "http://")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		return splitHostDefaultPort(rest, 80)
	}
	host, ok := headers["host"]
	if !ok {
		return "", 0, errors.TraceNew("no Host header")
	}
	return splitHostDefaultPort(host, 80)
}

func splitHostDefaultPort(hostport string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	return host, uint16(port), nil
}

// hostToWire classifies host as an IPv4/IPv6 literal or a domain,
// normalizing domains to their ASCII (Punycode) form before encoding.
func hostToWire(host string) (wire.HostKind, []byte) {
	if ip := net.ParseIP(host); ip != nil {
		return wire.HostFromIP(ip)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}
	return wire.HostKindDomain, []byte(ascii)
}
