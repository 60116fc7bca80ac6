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
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"

	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/session"
	"github.com/veilcore/veil/wire"
)

// SOCKS5 constants (RFC 1928). The greeting is hand-rolled since only
// NO AUTHENTICATION REQUIRED is ever advertised.
const (
	socksVersion5 = 0x05

	socksAuthNone         = 0x00
	socksAuthNoAcceptable = 0xFF

	socksCmdConnect      = 0x01
	socksCmdBind         = 0x02
	socksCmdUDPAssociate = 0x03

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksReplyOK                  = 0x00
	socksReplyGeneralFailure      = 0x01
	socksReplyForbidden           = 0x02
	socksReplyUnreachable         = 0x04
	socksReplyRefused             = 0x05
	socksReplyTTLExpired          = 0x06
	socksReplyCommandNotSupported = 0x07
)

// handleSOCKS5 runs the RFC 1928 greeting advertising only NO
// AUTHENTICATION REQUIRED, then CONNECT or UDP ASSOCIATE; BIND is
// refused.
func handleSOCKS5(ctx context.Context, pool *Pool, conn net.Conn, reader *bufio.Reader) {
	if err := socks5Greeting(reader, conn); err != nil {
		return
	}

	cmd, hostKind, host, port, err := socks5ReadRequest(reader)
	if err != nil {
		return
	}

	switch cmd {
	case socksCmdConnect:
		socks5HandleConnect(ctx, pool, conn, reader, hostKind, host, port)
	case socksCmdUDPAssociate:
		socks5HandleUDPAssociate(ctx, pool, conn, reader)
	default:
		_ = socks5WriteReply(conn, socksReplyCommandNotSupported, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
	}
}

func socks5Greeting(reader *bufio.Reader, conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return errors.Trace(err)
	}
	if header[0] != socksVersion5 {
		return errors.TraceNew("not SOCKS5")
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(reader, methods); err != nil {
		return errors.Trace(err)
	}

	// Only NO AUTHENTICATION REQUIRED is ever advertised; a client
	// that doesn't offer it is rejected.
	offered := false
	for _, m := range methods {
		if m == socksAuthNone {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{socksVersion5, socksAuthNoAcceptable})
		return errors.TraceNew("client did not offer no-auth")
	}

	_, err := conn.Write([]byte{socksVersion5, socksAuthNone})
	return errors.Trace(err)
}

// socks5ReadRequest reads the SOCKS5 request header (VER CMD RSV
// ATYP DST.ADDR DST.PORT).
func socks5ReadRequest(reader *bufio.Reader) (cmd byte, hostKind wire.HostKind, host []byte, port uint16, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(reader, header); err != nil {
		return 0, 0, nil, 0, errors.Trace(err)
	}
	if header[0] != socksVersion5 {
		return 0, 0, nil, 0, errors.TraceNew("not SOCKS5")
	}
	cmd = header[1]
	atyp := header[3]

	switch atyp {
	case socksAtypIPv4:
		buf := make([]byte, 4)
		if _, err = io.ReadFull(reader, buf); err != nil {
			return 0, 0, nil, 0, errors.Trace(err)
		}
		hostKind, host = wire.HostKindIPv4, buf
	case socksAtypIPv6:
		buf := make([]byte, 16)
		if _, err = io.ReadFull(reader, buf); err != nil {
			return 0, 0, nil, 0, errors.Trace(err)
		}
		hostKind, host = wire.HostKindIPv6, buf
	case socksAtypDomain:
		lenByte := make([]byte, 1)
		if _, err = io.ReadFull(reader, lenByte); err != nil {
			return 0, 0, nil, 0, errors.Trace(err)
		}
		buf := make([]byte, lenByte[0])
		if _, err = io.ReadFull(reader, buf); err != nil {
			return 0, 0, nil, 0, errors.Trace(err)
		}
		hostKind, host = wire.HostKindDomain, buf
	default:
		return 0, 0, nil, 0, errors.TraceNew("unsupported address type")
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(reader, portBytes); err != nil {
		return 0, 0, nil, 0, errors.Trace(err)
	}
	port = binary.BigEndian.Uint16(portBytes)

	return cmd, hostKind, host, port, nil
}

// socks5WriteReply writes a SOCKS5 reply with the given bound address.
func socks5WriteReply(conn net.Conn, replyCode byte, hostKind wire.HostKind, host []byte, port uint16) error {
	atyp := byte(socksAtypIPv4)
	switch hostKind {
	case wire.HostKindIPv6:
		atyp = socksAtypIPv6
	case wire.HostKindDomain:
		atyp = socksAtypDomain
	}

	out := make([]byte, 0, 6+len(host)+1)
	out = append(out, socksVersion5, replyCode, 0x00, atyp)
	if hostKind == wire.HostKindDomain {
		out = append(out, byte(len(host)))
	}
	out = append(out, host...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	out = append(out, portBytes[:]...)

	_, err := conn.Write(out)
	return errors.Trace(err)
}

// socksReplyForConnectStatus maps ConnectResponse.Status to its
// SOCKS5 reply code.
func socksReplyForConnectStatus(status wire.ConnectStatus) byte {
	switch status {
	case wire.ConnectStatusOK:
		return socksReplyOK
	case wire.ConnectStatusRefused:
		return socksReplyRefused
	case wire.ConnectStatusUnreachable:
		return socksReplyUnreachable
	case wire.ConnectStatusForbidden:
		return socksReplyForbidden
	case wire.ConnectStatusTimeout:
		return socksReplyTTLExpired
	default:
		return socksReplyGeneralFailure
	}
}

func socks5HandleConnect(ctx context.Context, pool *Pool, conn net.Conn, reader *bufio.Reader, hostKind wire.HostKind, host []byte, port uint16) {
	tunnel, resp, err := borrowAndConnectTCP(ctx, pool, hostKind, host, port)
	if err != nil {
		NoticeSessionFailed("socks5", err)
		_ = socks5WriteReply(conn, socksReplyGeneralFailure, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}
	defer pool.Return(tunnel)

	if resp.Status != wire.ConnectStatusOK {
		_ = socks5WriteReply(conn, socksReplyForConnectStatus(resp.Status), wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}

	if err := socks5WriteReply(conn, socksReplyOK, resp.BndKind, resp.BndBytes, resp.BndPort); err != nil {
		return
	}

	_, _ = session.Relay(
		ctx, &clientStream{r: reader, conn: conn}, tunnel.Channel,
		wire.CloseDirectionAgentToProxy, wire.CloseDirectionProxyToAgent,
		nil, nil, nil)
}

// socks5HandleUDPAssociate binds a local UDP socket, sends
// ConnectUdp, and on success returns that socket's address to the
// client, then relays datagrams wrapped as UdpPacket over the same
// tunnel.
func socks5HandleUDPAssociate(ctx context.Context, pool *Pool, tcpConn net.Conn, reader *bufio.Reader) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = socks5WriteReply(tcpConn, socksReplyGeneralFailure, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}
	defer udpConn.Close()

	localPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	tunnel, err := pool.Checkout(ctx)
	if err != nil {
		NoticeSessionFailed("socks5-udp", err)
		_ = socks5WriteReply(tcpConn, socksReplyGeneralFailure, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}
	defer pool.Return(tunnel)

	err = tunnel.Channel.SendMessage(&wire.ConnectUdp{ClientBindPort: uint16(localPort)}, nowMs())
	if err != nil {
		_ = socks5WriteReply(tcpConn, socksReplyGeneralFailure, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}

	env, err := tunnel.Channel.RecvMessage()
	if err != nil {
		_ = socks5WriteReply(tcpConn, socksReplyGeneralFailure, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}
	resp, ok := env.Message.(*wire.ConnectResponse)
	if !ok || resp.Status != wire.ConnectStatusOK {
		code := byte(socksReplyGeneralFailure)
		if ok {
			code = socksReplyForConnectStatus(resp.Status)
		}
		_ = socks5WriteReply(tcpConn, code, wire.HostKindIPv4, net.IPv4zero.To4(), 0)
		return
	}

	localIP := udpConn.LocalAddr().(*net.UDPAddr).IP
	kind, ipBytes := wire.HostFromIP(localIP)
	if err := socks5WriteReply(tcpConn, socksReplyOK, kind, ipBytes, uint16(localPort)); err != nil {
		return
	}

	relayUDPAssociate(ctx, tcpConn, udpConn, tunnel.Channel)
}

// relayUDPAssociate pumps datagrams between the client's UDP socket
// and the tunnel for as long as the control TCP connection stays
// open. Closing the control connection ends the association.
func relayUDPAssociate(ctx context.Context, tcpConn net.Conn, udpConn *net.UDPConn, channel *session.Channel) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		_, _ = tcpConn.Read(buf) // blocks until the control connection closes or errs
	}()

	go func() {
		<-done
		_ = udpConn.Close()
		_ = channel.Close()
	}()

	// The client's source address is learned from its first datagram;
	// replies are dropped until then.
	var clientAddr atomic.Pointer[net.UDPAddr]
	go func() {
		buf := make([]byte, wire.SoftCapBytes)
		for {
			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			clientAddr.Store(addr)
			datagram, ok := parseSOCKS5UDPDatagram(buf[:n])
			if !ok {
				continue
			}
			_ = channel.SendMessage(&wire.UdpPacket{
				HostKind: datagram.hostKind,
				Host:     datagram.host,
				Port:     datagram.port,
				Payload:  datagram.payload,
			}, nowMs())
		}
	}()

	for {
		env, err := channel.RecvMessage()
		if err != nil {
			return
		}
		pkt, ok := env.Message.(*wire.UdpPacket)
		if !ok {
			if _, isClose := env.Message.(*wire.Close); isClose {
				return
			}
			continue
		}
		addr := clientAddr.Load()
		if addr == nil {
			continue
		}
		reply := encodeSOCKS5UDPDatagram(pkt.HostKind, pkt.Host, pkt.Port, pkt.Payload)
		_, _ = udpConn.WriteToUDP(reply, addr)
	}
}

type socks5UDPDatagram struct {
	hostKind wire.HostKind
	host     []byte
	port     uint16
	payload  []byte
}

// parseSOCKS5UDPDatagram parses the RFC 1928 §7 UDP request header:
// RSV(2) FRAG(1) ATYP(1) DST.ADDR DST.PORT DATA. Fragmentation is not
// supported; FRAG must be 0.
func parseSOCKS5UDPDatagram(b []byte) (socks5UDPDatagram, bool) {
	if len(b) < 4 || b[2] != 0 {
		return socks5UDPDatagram{}, false
	}
	atyp := b[3]
	rest := b[4:]

	var kind wire.HostKind
	var host []byte
	switch atyp {
	case socksAtypIPv4:
		if len(rest) < 4 {
			return socks5UDPDatagram{}, false
		}
		kind, host, rest = wire.HostKindIPv4, rest[:4], rest[4:]
	case socksAtypIPv6:
		if len(rest) < 16 {
			return socks5UDPDatagram{}, false
		}
		kind, host, rest = wire.HostKindIPv6, rest[:16], rest[16:]
	case socksAtypDomain:
		if len(rest) < 1 {
			return socks5UDPDatagram{}, false
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n {
			return socks5UDPDatagram{}, false
		}
		kind, host, rest = wire.HostKindDomain, rest[:n], rest[n:]
	default:
		return socks5UDPDatagram{}, false
	}

	if len(rest) < 2 {
		return socks5UDPDatagram{}, false
	}
	port := binary.BigEndian.Uint16(rest[:2])
	payload := rest[2:]

	return socks5UDPDatagram{hostKind: kind, host: host, port: port, payload: payload}, true
}

func encodeSOCKS5UDPDatagram(hostKind wire.HostKind, host []byte, port uint16, payload []byte) []byte {
	atyp := byte(socksAtypIPv4)
	switch hostKind {
	case wire.HostKindIPv6:
		atyp = socksAtypIPv6
	case wire.HostKindDomain:
		atyp = socksAtypDomain
	}
	out := make([]byte, 0, 4+len(host)+1+2+len(payload))
	out = append(out, 0, 0, 0, atyp)
	if hostKind == wire.HostKindDomain {
		out = append(out, byte(len(host)))
	}
	out = append(out, host...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	out = append(out, portBytes[:]...)
	out = append(out, payload...)
	return out
}
