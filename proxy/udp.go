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

package proxy

import (
	"context"
	"net"

	"github.com/veilcore/veil/bandwidth"
	"github.com/veilcore/veil/session"
	"github.com/veilcore/veil/userstore"
	"github.com/veilcore/veil/wire"
)

// handleConnectUDP binds an ephemeral UDP socket, replies OK with its
// address, then relays UdpPacket messages to/from that socket until
// the control tunnel closes.
func (s *Server) handleConnectUDP(
	ctx context.Context,
	channel *session.Channel,
	username string,
	req *wire.ConnectUdp,
	bucket *bandwidth.Bucket,
) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = channel.SendMessage(&wire.ConnectResponse{Status: wire.ConnectStatusUnreachable}, nowMs())
		return
	}
	defer udpConn.Close()

	localAddr := udpConn.LocalAddr().(*net.UDPAddr)
	bndKind, bndBytes := wire.HostFromIP(localAddr.IP)
	err = channel.SendMessage(&wire.ConnectResponse{
		Status:   wire.ConnectStatusOK,
		BndKind:  bndKind,
		BndBytes: bndBytes,
		BndPort:  uint16(localAddr.Port),
	}, nowMs())
	if err != nil {
		return
	}

	_ = req.ClientBindPort // informational; the Proxy always binds its own ephemeral port regardless of the Agent's

	s.relayUDPTunnel(ctx, channel, udpConn, username, bucket)
}

// relayUDPTunnel pumps datagrams between udpConn and the tunnel: each
// UdpPacket received from the Agent is sent to its destination; each
// inbound datagram from a target is wrapped and sent back. The
// association ends when the control tunnel closes.
func (s *Server) relayUDPTunnel(
	ctx context.Context,
	channel *session.Channel,
	udpConn *net.UDPConn,
	username string,
	bucket *bandwidth.Bucket,
) {
	go func() {
		buf := make([]byte, wire.SoftCapBytes)
		for {
			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if bucket != nil {
				if err := bucket.Acquire(ctx, n); err != nil {
					return
				}
			}
			kind, hostBytes := wire.HostFromIP(addr.IP)
			err = channel.SendMessage(&wire.UdpPacket{
				HostKind: kind,
				Host:     hostBytes,
				Port:     uint16(addr.Port),
				Payload:  append([]byte(nil), buf[:n]...),
			}, nowMs())
			if err != nil {
				return
			}
			s.config.Store.RecordBytes(username, userstore.DirectionOut, int64(n))
		}
	}()

	for {
		env, err := channel.RecvMessage()
		if err != nil {
			return
		}
		switch msg := env.Message.(type) {
		case *wire.UdpPacket:
			ip := s.udpTargetIP(ctx, msg.HostKind, msg.Host)
			if ip == nil {
				continue
			}
			if bucket != nil {
				if err := bucket.Acquire(ctx, len(msg.Payload)); err != nil {
					return
				}
			}
			_, _ = udpConn.WriteToUDP(msg.Payload, &net.UDPAddr{IP: ip, Port: int(msg.Port)})
			s.config.Store.RecordBytes(username, userstore.DirectionIn, int64(len(msg.Payload)))
		case *wire.Close:
			return
		}
	}
}

// udpTargetIP turns a UdpPacket host into a net.IP, resolving domains
// through the server's caching resolver.
func (s *Server) udpTargetIP(ctx context.Context, kind wire.HostKind, host []byte) net.IP {
	if kind == wire.HostKindDomain {
		ip, err := s.resolver.Resolve(ctx, string(host))
		if err != nil {
			return nil
		}
		return ip
	}
	return net.IP(host)
}
