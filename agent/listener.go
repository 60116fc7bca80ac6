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
	"net"
	"sync"
	"time"

	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/wire"
)

// connectTimeout bounds how long a local client waits for the Proxy's
// ConnectResponse once a tunnel has been borrowed. The Proxy's own
// dial budget is 10s; this adds slack for the round-trip.
const connectTimeout = 12 * time.Second

// Listener owns the single local TCP listener that serves both HTTP
// and SOCKS5, dispatching each accepted connection to detectProtocol
// and then the matching handler.
type Listener struct {
	pool        *Pool
	listener    net.Listener
	idleTimeout time.Duration
	wg          sync.WaitGroup
}

// Listen starts accepting local connections on config.ListenAddr.
func Listen(ctx context.Context, config *Config, pool *Pool) (*Listener, error) {
	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	l := &Listener{pool: pool, listener: ln, idleTimeout: config.IdleRelayTimeout}
	NoticeListening(ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	return l, nil
}

// Close stops accepting and waits for the accept loop to exit. Already
// in-flight sessions are not cancelled; callers that want a hard stop
// should cancel the context passed to Listen.
func (l *Listener) Close() error {
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
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
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection peeks the first byte and routes to the HTTP or
// SOCKS5 handler. Every accepted client either gets a
// protocol-specific reply followed by relayed bytes, or a
// protocol-specific failure reply, never raw tunnel frames.
func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Cancellation unblocks any read this session is parked in.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if l.idleTimeout > 0 {
		conn = &idleTimeoutConn{Conn: conn, idle: l.idleTimeout}
	}

	reader := bufio.NewReader(conn)
	kind, err := detectProtocol(reader)
	if err != nil {
		return
	}

	switch kind {
	case protocolSOCKS5:
		handleSOCKS5(ctx, l.pool, conn, reader)
	default:
		handleHTTP(ctx, l.pool, conn, reader)
	}
}

// clientStream joins the handler's buffered reader, which may hold
// client bytes read ahead of the request parse, with the raw
// connection for writes. Relays must read through it or pipelined
// bytes sitting in the buffer would be dropped.
type clientStream struct {
	r    *bufio.Reader
	conn net.Conn
}

func (s *clientStream) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *clientStream) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *clientStream) Close() error                { return s.conn.Close() }

// idleTimeoutConn pushes a fresh deadline on every I/O operation, so
// a relay whose client side goes quiescent for longer than idle is
// torn down rather than held open indefinitely.
type idleTimeoutConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	return c.Conn.Write(b)
}

// borrowAndConnectTCP checks out a pooled tunnel and sends a
// ConnectTcp for host:port, returning the tunnel and the Proxy's
// ConnectResponse so the caller can translate status into its own
// protocol's failure reply.
func borrowAndConnectTCP(ctx context.Context, pool *Pool, hostKind wire.HostKind, host []byte, port uint16) (*Tunnel, *wire.ConnectResponse, error) {
	tunnel, err := pool.Checkout(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	deadline := time.Now().Add(connectTimeout)
	if err := tunnel.Channel.SetDeadline(deadline); err != nil {
		pool.Return(tunnel)
		return nil, nil, errors.Trace(err)
	}

	err = tunnel.Channel.SendMessage(&wire.ConnectTcp{HostKind: hostKind, Host: host, Port: port}, nowMs())
	if err != nil {
		pool.Return(tunnel)
		return nil, nil, errors.Trace(err)
	}

	env, err := tunnel.Channel.RecvMessage()
	if err != nil {
		pool.Return(tunnel)
		return nil, nil, errors.Trace(err)
	}

	resp, ok := env.Message.(*wire.ConnectResponse)
	if !ok {
		pool.Return(tunnel)
		return nil, nil, errors.Trace(errors.ErrBadTag)
	}

	if err := tunnel.Channel.SetDeadline(time.Time{}); err != nil {
		pool.Return(tunnel)
		return nil, nil, errors.Trace(err)
	}

	return tunnel, resp, nil
}
