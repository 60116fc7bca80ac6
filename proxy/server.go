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
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/wader/filtertransport"

	"github.com/veilcore/veil/bandwidth"
	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/session"
	"github.com/veilcore/veil/userstore"
	"github.com/veilcore/veil/wire"
)

// DialTimeout bounds the outbound TCP connect to a target.
const DialTimeout = 10 * time.Second

// idleTunnelTimeout bounds each wait for a message from an
// authenticated tunnel that hasn't yet sent its Connect*. Prewarmed
// tunnels sit idle sending Ping every 30 seconds until a local client
// borrows them, so the deadline covers one ping interval with slack;
// a tunnel whose agent has vanished is reaped within this window.
const idleTunnelTimeout = 45 * time.Second

// Server accepts tunnel connections and runs the per-connection
// session lifecycle: authenticate, admit, dial, relay. Each accepted
// connection carries exactly one session.
type Server struct {
	config   *Config
	resolver *Resolver
	bw       *bandwidth.Manager

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to config.ListenAddr but does
// not yet accept connections; call Serve.
func NewServer(config *Config) (*Server, error) {
	resolver, err := NewResolver()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Server{
		config:   config,
		resolver: resolver,
		bw:       bandwidth.NewManager(),
	}, nil
}

// Serve starts the tunnel listener and accept loop. It returns once
// the listener is bound; the accept loop runs until ctx is cancelled
// or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Trace(err)
	}
	s.listener = ln

	Log.WithContextFields(LogFields{"address": ln.Addr().String()}).Info("listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Close stops accepting new tunnels and waits for the accept loop and
// every in-flight session to return. In-flight sessions are not
// interrupted; cancel ctx passed to Serve for that.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Addr returns the bound tunnel listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTunnel(ctx, conn)
		}()
	}
}

// handleTunnel runs the full lifecycle for one accepted connection:
// authenticate, acquire permit, read one Connect* message, dial,
// relay, close.
func (s *Server) handleTunnel(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Cancellation unblocks any read this tunnel is parked in.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	channel := session.NewChannel(conn, crypto.DirectionProxyToAgent, crypto.DirectionAgentToProxy)

	authResult, err := session.ServerAuthenticate(channel, s.config.Store, s.config.ServerPrivateKey)
	if err != nil {
		Log.WithContextFields(LogFields{"error": err.Error()}).Warn("authentication failed")
		return
	}
	username := authResult.Username
	defer authResult.Permit.Release()

	record, err := s.config.Store.LookupUser(username)
	if err != nil {
		return
	}
	bucket := s.bw.BucketFor(username, record.BandwidthLimitBps)

	// Answer health Pings while waiting for the Connect*; a prewarmed
	// tunnel idles here until a local client borrows it.
	for {
		if err := channel.SetDeadline(time.Now().Add(idleTunnelTimeout)); err != nil {
			return
		}
		env, err := channel.RecvMessage()
		if err != nil {
			Log.WithContextFields(LogFields{"username": username, "error": err.Error()}).Debug("tunnel closed before connect")
			return
		}

		switch msg := env.Message.(type) {
		case *wire.Ping:
			if err := channel.SendMessage(&wire.Pong{Cookie: msg.Cookie}, nowMs()); err != nil {
				return
			}
		case *wire.ConnectTcp:
			if err := channel.SetDeadline(time.Time{}); err != nil {
				return
			}
			s.handleConnectTCP(ctx, channel, username, msg, bucket)
			return
		case *wire.ConnectUdp:
			if err := channel.SetDeadline(time.Time{}); err != nil {
				return
			}
			s.handleConnectUDP(ctx, channel, username, msg, bucket)
			return
		case *wire.Close:
			return
		default:
			Log.WithContextFields(LogFields{"username": username}).Warn("unexpected message, expected Connect*")
			return
		}
	}
}

// handleConnectTCP resolves the target (if a domain), dials it,
// replies, and relays.
func (s *Server) handleConnectTCP(
	ctx context.Context,
	channel *session.Channel,
	username string,
	req *wire.ConnectTcp,
	bucket *bandwidth.Bucket,
) {
	targetIP, status := s.resolveTarget(ctx, req)
	if status != wire.ConnectStatusOK {
		_ = channel.SendMessage(&wire.ConnectResponse{Status: status}, nowMs())
		return
	}

	if !s.config.AllowPrivateTargets && filtertransport.FindIPNet(filtertransport.DefaultFilteredNetworks, targetIP) {
		_ = channel.SendMessage(&wire.ConnectResponse{Status: wire.ConnectStatusForbidden}, nowMs())
		return
	}

	dialAddr := net.JoinHostPort(targetIP.String(), portString(req.Port))
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var dialer net.Dialer
	target, err := dialer.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		_ = channel.SendMessage(&wire.ConnectResponse{Status: dialErrorStatus(err)}, nowMs())
		return
	}
	defer target.Close()

	localAddr := target.LocalAddr().(*net.TCPAddr)
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

	stats, err := session.RelayWithInboundBucket(
		ctx, target, channel,
		wire.CloseDirectionProxyToAgent, wire.CloseDirectionAgentToProxy,
		bucket, bucket,
		func(n int64) { s.config.Store.RecordBytes(username, userstore.DirectionOut, n) },
		func(n int64) { s.config.Store.RecordBytes(username, userstore.DirectionIn, n) },
	)
	if err != nil {
		Log.WithContextFields(LogFields{"username": username, "error": err.Error()}).Debug("relay ended")
		return
	}
	Log.WithContextFields(LogFields{
		"username":  username,
		"bytes_in":  stats.TunnelToLocal,
		"bytes_out": stats.LocalToTunnel,
	}).Info("session complete")
	_ = channel.SendMessage(&wire.Close{Reason: wire.CloseReasonNormal}, nowMs())
}

// resolveTarget turns a ConnectTcp's host into a net.IP, resolving
// domains with Resolver.
func (s *Server) resolveTarget(ctx context.Context, req *wire.ConnectTcp) (net.IP, wire.ConnectStatus) {
	switch req.HostKind {
	case wire.HostKindIPv4, wire.HostKindIPv6:
		ip := net.IP(req.Host)
		if ip == nil {
			return nil, wire.ConnectStatusUnreachable
		}
		return ip, wire.ConnectStatusOK
	case wire.HostKindDomain:
		ip, err := s.resolver.Resolve(ctx, string(req.Host))
		if err != nil {
			return nil, wire.ConnectStatusUnreachable
		}
		return ip, wire.ConnectStatusOK
	default:
		return nil, wire.ConnectStatusUnreachable
	}
}

func portString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// dialErrorStatus classifies a dial error: connect refused maps to
// Refused, a timed-out dial to Timeout, and anything else (route
// errors, resolution failures) to Unreachable.
func dialErrorStatus(err error) wire.ConnectStatus {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return wire.ConnectStatusTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return wire.ConnectStatusRefused
	}
	return wire.ConnectStatusUnreachable
}

func nowMs() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}
